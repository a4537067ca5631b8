package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"retailops.org/internal/auth"
	"retailops.org/internal/pos"
)

const (
	StockServiceName = "retailops.pos.v1.StockService"
	MethodGetStock   = "/" + StockServiceName + "/GetStock"
)

// StockReader answers projected stock queries.
type StockReader interface {
	StockAt(tenantID, outletID, productID string) (pos.StockSnapshot, error)
}

// StockPolicy guards the stock service: any authenticated session may read.
var StockPolicy = Policy{
	MethodGetStock: {Name: "pos.stock.get", Requirement: auth.Authenticated()},
}

var stockServiceDesc = grpc.ServiceDesc{
	ServiceName: StockServiceName,
	HandlerType: (*StockReader)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStock", Handler: getStockHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "retailops/pos/v1/stock.proto",
}

// RegisterStockService exposes r on s. Requests and responses are
// google.protobuf.Struct messages.
func RegisterStockService(s grpc.ServiceRegistrar, r StockReader) {
	s.RegisterService(&stockServiceDesc, r)
}

func getStockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return getStock(ctx, srv.(StockReader), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetStock}, call)
}

func getStock(ctx context.Context, r StockReader, in *structpb.Struct) (*structpb.Struct, error) {
	outletID := strings.TrimSpace(in.GetFields()["outlet_id"].GetStringValue())
	productID := strings.TrimSpace(in.GetFields()["product_id"].GetStringValue())
	if outletID == "" || productID == "" {
		return nil, status.Error(codes.InvalidArgument, "outlet_id and product_id are required")
	}
	var tenantID string
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		tenantID = claims.TenantID
	}
	snap, err := r.StockAt(tenantID, outletID, productID)
	if errors.Is(err, pos.ErrUnknownStock) {
		return nil, status.Error(codes.NotFound, "stock unknown")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, "stock lookup failed")
	}
	return structpb.NewStruct(map[string]any{
		"product_id": snap.ProductID,
		"outlet_id":  snap.OutletID,
		"quantity":   snap.Quantity,
		"version":    snap.Version,
		"as_of":      snap.AsOf.UTC().Format(time.RFC3339Nano),
	})
}
