package grpcapi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"retailops.org/internal/auth"
	"retailops.org/internal/pos"
)

// StockClient reads projected stock from a remote POS service.
type StockClient struct {
	conn *grpc.ClientConn
}

// DialStock connects to target. Without options the transport is insecure.
func DialStock(target string, opts ...grpc.DialOption) (*StockClient, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &StockClient{conn: conn}, nil
}

// NewStockClient wraps an existing connection.
func NewStockClient(conn *grpc.ClientConn) *StockClient { return &StockClient{conn: conn} }

func (c *StockClient) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// StockAt forwards the caller's bearer token; the remote service resolves
// the tenant from it.
func (c *StockClient) StockAt(ctx context.Context, outletID, productID string) (pos.StockSnapshot, error) {
	in, err := structpb.NewStruct(map[string]any{"outlet_id": outletID, "product_id": productID})
	if err != nil {
		return pos.StockSnapshot{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(outgoingWithToken(ctx), MethodGetStock, in, out); err != nil {
		return pos.StockSnapshot{}, mapStockError(err)
	}
	return fromStruct(out)
}

func outgoingWithToken(ctx context.Context) context.Context {
	token, ok := auth.TokenFromContext(ctx)
	if !ok {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func mapStockError(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return pos.ErrUnknownStock
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", auth.ErrUnauthenticated, status.Convert(err).Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", auth.ErrForbidden, status.Convert(err).Message())
	default:
		return err
	}
}

func fromStruct(s *structpb.Struct) (pos.StockSnapshot, error) {
	f := s.GetFields()
	snap := pos.StockSnapshot{
		ProductID: f["product_id"].GetStringValue(),
		OutletID:  f["outlet_id"].GetStringValue(),
		Quantity:  int64(f["quantity"].GetNumberValue()),
		Version:   int64(f["version"].GetNumberValue()),
	}
	if raw := f["as_of"].GetStringValue(); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return pos.StockSnapshot{}, fmt.Errorf("grpcapi: bad as_of %q: %w", raw, err)
		}
		snap.AsOf = at
	}
	return snap, nil
}
