package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/middleware"
	"github.com/pesio-ai/be-aid-workflow/internal/service"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// WorkflowServiceName is the fully qualified gRPC service name.
const WorkflowServiceName = "aidworkflow.v1.WorkflowService"

// GRPCHandler exposes the workflow gateway over gRPC. Every method takes and
// returns a google.protobuf.Struct carrying the same JSON shapes the HTTP API
// uses, so no generated stubs are needed.
type GRPCHandler struct {
	gateway *service.WorkflowGateway
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(gateway *service.WorkflowGateway, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		gateway: gateway,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the workflow service to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&workflowServiceDesc, h)
}

type grpcMethod func(h *GRPCHandler, ctx context.Context, in *structpb.Struct) (any, error)

var grpcMethods = map[string]grpcMethod{
	"SubmitAidRequest":   (*GRPCHandler).submitAidRequest,
	"ListAidRequests":    (*GRPCHandler).listAidRequests,
	"GetAidRequest":      (*GRPCHandler).getAidRequest,
	"ReviewAidRequest":   (*GRPCHandler).reviewAidRequest,
	"OpenDisbursement":   (*GRPCHandler).openDisbursement,
	"GetDisbursement":    (*GRPCHandler).getDisbursement,
	"ConfirmCheckpoint":  (*GRPCHandler).confirmCheckpoint,
	"UploadReceipt":      (*GRPCHandler).uploadReceipt,
	"FileLiquidation":    (*GRPCHandler).fileLiquidation,
	"PreviewLiquidation": (*GRPCHandler).previewLiquidation,
	"GetLiquidation":     (*GRPCHandler).getLiquidation,
	"ListLiquidations":   (*GRPCHandler).listLiquidations,
	"ReviewLiquidation":  (*GRPCHandler).reviewLiquidation,
	"ListPending":        (*GRPCHandler).listPending,
	"History":            (*GRPCHandler).history,
}

var workflowServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkflowServiceName,
	HandlerType: (*any)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "aidworkflow/v1/workflow.proto",
}

func methodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, 0, len(grpcMethods))
	for name, fn := range grpcMethods {
		descs = append(descs, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name, fn)})
	}
	return descs
}

func unaryHandler(name string, fn grpcMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, req any) (any, error) {
			h := srv.(*GRPCHandler)
			out, err := fn(h, ctx, req.(*structpb.Struct))
			if err != nil {
				return nil, h.statusError(name, err)
			}
			return toStruct(out)
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + WorkflowServiceName + "/" + name}
		return interceptor(ctx, in, info, handle)
	}
}

// TokenInterceptor moves the bearer token from the "authorization" metadata
// key into the context, where the gateway methods pick it up. Health and
// reflection calls pass through untouched.
func TokenInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+WorkflowServiceName+"/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var token string
		if vals := md.Get("authorization"); len(vals) > 0 {
			token = strings.TrimSpace(vals[0])
			if scheme, rest, ok := strings.Cut(token, " "); ok && strings.EqualFold(scheme, "Bearer") {
				token = strings.TrimSpace(rest)
			}
		}
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing authorization metadata")
		}
		return handler(middleware.WithToken(ctx, token), req)
	}
}

// LoggingInterceptor logs each unary call with its outcome and duration.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		event := log.Info()
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown:
			event = log.Error().Err(err)
		default:
			event = log.Warn()
		}
		event.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

func (h *GRPCHandler) statusError(method string, err error) error {
	code := errors.GRPCCode(err)
	if code == codes.Internal {
		h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
		return status.Error(code, "internal error")
	}
	st := status.New(code, err.Error())
	if appErr, ok := errors.As(err); ok {
		detail, derr := toStruct(appErr)
		if derr == nil {
			if withDetails, werr := st.WithDetails(detail); werr == nil {
				st = withDetails
			}
		}
	}
	return st.Err()
}

// decodeStruct copies a Struct into one of the HTTP body types.
func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return errors.InvalidInput("body", "invalid request: "+err.Error())
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.InvalidInput("body", "invalid request: "+err.Error())
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func field(in *structpb.Struct, name string) string {
	if v, ok := in.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

func token(ctx context.Context) string {
	return middleware.TokenFromContext(ctx)
}

func (h *GRPCHandler) submitAidRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	var body submitAidRequestBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	return h.gateway.SubmitAidRequest(ctx, token(ctx), service.SubmitAidRequestInput{
		BeneficiaryID: body.BeneficiaryID,
		FundType:      body.FundType,
		Amount:        body.Amount,
		Purpose:       body.Purpose,
		RequestMonth:  body.RequestMonth,
		RequestYear:   body.RequestYear,
	})
}

func (h *GRPCHandler) listAidRequests(ctx context.Context, in *structpb.Struct) (any, error) {
	limit := int(in.GetFields()["limit"].GetNumberValue())
	if limit < 1 || limit > 100 {
		limit = 50
	}
	offset := int(in.GetFields()["offset"].GetNumberValue())
	if offset < 0 {
		offset = 0
	}
	reqs, err := h.gateway.ListAidRequests(ctx, token(ctx), service.ListAidRequestsInput{
		Status: field(in, "status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"aid_requests": nonNil(reqs), "limit": limit, "offset": offset}, nil
}

func (h *GRPCHandler) getAidRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	return h.gateway.GetAidRequest(ctx, token(ctx), field(in, "id"))
}

func (h *GRPCHandler) reviewAidRequest(ctx context.Context, in *structpb.Struct) (any, error) {
	var body reviewBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	gate, err := workflow.ParseGate(body.Gate)
	if err != nil {
		return nil, err
	}
	return h.gateway.ReviewAidRequest(ctx, token(ctx), gate, service.ReviewInput{
		ID:       body.ID,
		Decision: body.Decision,
		Notes:    body.Notes,
	})
}

func (h *GRPCHandler) openDisbursement(ctx context.Context, in *structpb.Struct) (any, error) {
	var body openDisbursementBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	return h.gateway.OpenDisbursement(ctx, token(ctx), service.OpenDisbursementInput{
		AidRequestID: body.AidRequestID,
		Amount:       body.Amount,
		ReferenceNo:  body.ReferenceNo,
	})
}

func (h *GRPCHandler) getDisbursement(ctx context.Context, in *structpb.Struct) (any, error) {
	return h.gateway.GetDisbursement(ctx, token(ctx), field(in, "id"))
}

func (h *GRPCHandler) confirmCheckpoint(ctx context.Context, in *structpb.Struct) (any, error) {
	cp, err := workflow.ParseCheckpoint(field(in, "checkpoint"))
	if err != nil {
		return nil, err
	}
	return h.gateway.ConfirmCheckpoint(ctx, token(ctx), field(in, "disbursement_id"), cp)
}

// uploadReceipt takes the file as base64 in "data".
func (h *GRPCHandler) uploadReceipt(ctx context.Context, in *structpb.Struct) (any, error) {
	data, err := base64.StdEncoding.DecodeString(field(in, "data"))
	if err != nil {
		return nil, errors.InvalidInput("data", "data must be base64 encoded")
	}
	return h.gateway.UploadReceipt(ctx, token(ctx), service.UploadReceiptInput{
		FileName:    field(in, "file_name"),
		ContentType: field(in, "content_type"),
		Data:        data,
	})
}

func (h *GRPCHandler) fileLiquidation(ctx context.Context, in *structpb.Struct) (any, error) {
	var body fileLiquidationBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	return h.gateway.FileLiquidation(ctx, token(ctx), service.FileLiquidationInput{
		DisbursementID: body.DisbursementID,
		Receipts:       body.Receipts,
	})
}

func (h *GRPCHandler) previewLiquidation(ctx context.Context, in *structpb.Struct) (any, error) {
	var body fileLiquidationBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	return h.gateway.PreviewLiquidation(ctx, token(ctx), service.FileLiquidationInput{
		DisbursementID: body.DisbursementID,
		Receipts:       body.Receipts,
	})
}

func (h *GRPCHandler) getLiquidation(ctx context.Context, in *structpb.Struct) (any, error) {
	return h.gateway.GetLiquidation(ctx, token(ctx), field(in, "id"))
}

func (h *GRPCHandler) listLiquidations(ctx context.Context, in *structpb.Struct) (any, error) {
	liqs, err := h.gateway.ListLiquidations(ctx, token(ctx), field(in, "disbursement_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"liquidations": nonNil(liqs)}, nil
}

func (h *GRPCHandler) reviewLiquidation(ctx context.Context, in *structpb.Struct) (any, error) {
	var body reviewBody
	if err := decodeStruct(in, &body); err != nil {
		return nil, err
	}
	gate, err := workflow.ParseGate(body.Gate)
	if err != nil {
		return nil, err
	}
	return h.gateway.ReviewLiquidation(ctx, token(ctx), gate, service.ReviewInput{
		ID:       body.ID,
		Decision: body.Decision,
		Notes:    body.Notes,
	})
}

func (h *GRPCHandler) listPending(ctx context.Context, _ *structpb.Struct) (any, error) {
	items, err := h.gateway.ListPending(ctx, token(ctx))
	if err != nil {
		return nil, err
	}
	items.AidRequests = nonNil(items.AidRequests)
	items.Liquidations = nonNil(items.Liquidations)
	return items, nil
}

func (h *GRPCHandler) history(ctx context.Context, in *structpb.Struct) (any, error) {
	entityType, err := workflow.ParseEntityType(field(in, "entity_type"))
	if err != nil {
		return nil, err
	}
	entries, err := h.gateway.History(ctx, token(ctx), entityType, field(in, "id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": nonNil(entries)}, nil
}
