package grpcx

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
	"github.com/cwrk-planet/chat-gateway/internal/transport/ws"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName     = "chat.v1.ChatHistory"
	ListMethod      = "/chat.v1.ChatHistory/List"
	mdAuthorization = "authorization"
)

type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*domain.User, error)
}

type AccessChecker interface {
	Authorize(ctx context.Context, projectID domain.ProjectID, userID domain.UserID) error
}

type HistoryService interface {
	History(ctx context.Context, projectID domain.ProjectID, after string, limit int) ([]domain.ChatMessage, string, error)
}

// ChatHistoryServer — read-only доступ к истории проекта по gRPC.
// Сообщения описаны google.protobuf.Struct, поэтому сгенерированный код не нужен.
type ChatHistoryServer interface {
	List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type Server struct {
	identity TokenResolver
	access   AccessChecker
	history  HistoryService
}

func NewServer(identity TokenResolver, access AccessChecker, history HistoryService) *Server {
	return &Server{identity: identity, access: access, history: history}
}

var chatHistoryDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatHistoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chat/v1/history.proto",
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatHistoryServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatHistoryServer).List(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func Register(grpcServer *grpc.Server, s *Server) {
	grpcServer.RegisterService(&chatHistoryDesc, s)
}

// List: {project_id, limit?, after?} -> {messages: [...], next_cursor}
func (s *Server) List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := s.userFromMD(ctx)
	if err != nil {
		return nil, err
	}

	fields := req.GetFields()
	projectID, ok := projectIDField(fields["project_id"])
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "project_id is required")
	}
	limit := 0
	if v, ok := fields["limit"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n != math.Trunc(n) {
			return nil, status.Error(codes.InvalidArgument, "invalid limit")
		}
		limit = int(n)
	}
	after := fields["after"].GetStringValue()

	if err := s.access.Authorize(ctx, projectID, user.ID); err != nil {
		return nil, mapErr(err)
	}
	items, next, err := s.history.History(ctx, projectID, after, limit)
	if err != nil {
		return nil, mapErr(err)
	}

	msgs := make([]any, 0, len(items))
	for _, m := range items {
		msgs = append(msgs, mapChat(m))
	}
	out, err := structpb.NewStruct(map[string]any{
		"messages":    msgs,
		"next_cursor": next,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// -------- helpers --------

func (s *Server) userFromMD(ctx context.Context) (*domain.User, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	auth := first(md.Get(mdAuthorization))
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") || len(auth) <= 7 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization")
	}
	user, err := s.identity.Resolve(ctx, strings.TrimSpace(auth[7:]))
	if err != nil {
		return nil, mapErr(err)
	}
	return user, nil
}

func projectIDField(v *structpb.Value) (domain.ProjectID, bool) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n <= 0 || n != math.Trunc(n) {
			return 0, false
		}
		return domain.ProjectID(n), true
	case *structpb.Value_StringValue:
		return domain.ParseProjectID(k.StringValue)
	}
	return 0, false
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func mapChat(m domain.ChatMessage) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"project_id": int64(m.ProjectID),
		"sender": map[string]any{
			"id":              int64(m.Sender.ID),
			"email":           m.Sender.Email,
			"github_username": m.Sender.GithubUsername,
		},
		"message":   m.Body,
		"timestamp": ws.FormatTimestamp(m.CreatedAt),
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "authentication required")
	case errors.Is(err, domain.ErrProjectNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, domain.ErrInvalidCursor):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// -------- health --------

type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealth регистрирует grpc health и держит статус по пингу базы.
// Останавливается вместе с ctx.
func NewHealth(ctx context.Context, grpcServer *grpc.Server, db Pinger, every time.Duration, log *slog.Logger) *health.Server {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	if every <= 0 {
		every = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	check := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if db != nil {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := db.Ping(pctx)
			cancel()
			if err != nil {
				st = healthpb.HealthCheckResponse_NOT_SERVING
				log.Warn("grpc health: db ping failed", slog.Any("err", err))
			}
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}
	check()

	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-t.C:
				check()
			}
		}
	}()
	return hs
}
