package rpc

import (
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	_ "github.com/beammedia/control-plane/internal/rpc/jsoncodec"
)

// NewGRPCServer builds a *grpc.Server with the recovery/logging interceptor
// chain and keepalive/message-size settings, mirroring the teacher's
// createGRPCServer in cmd/api/main.go. Clients reach the JSON-coded services
// registered here via grpc.CallContentSubtype(jsoncodec.Name).
func NewGRPCServer(logger zerolog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			RecoveryInterceptor(logger),
			LoggingInterceptor(logger),
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
}

// RegisterServices registers the Task, Workflow and Account services onto s.
func RegisterServices(s *grpc.Server, tasks TaskEngine, workflows WorkflowEngine, balanceStore BalanceStore, balanceCache BalanceCache) {
	RegisterTaskServiceServer(s, NewTaskServer(tasks))
	RegisterWorkflowServiceServer(s, NewWorkflowServer(workflows))
	RegisterAccountServiceServer(s, NewAccountServer(balanceStore, balanceCache))
}
