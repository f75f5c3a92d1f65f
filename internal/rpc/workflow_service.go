package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/beammedia/control-plane/internal/store"
)

// WorkflowEngine is the subset of *workflow.Engine the Workflow RPC service
// calls.
type WorkflowEngine interface {
	CreateWorkflow(ctx context.Context, accountID, name string, nodes []store.WorkflowNode, edges []store.WorkflowEdge, variables []store.VariableDecl) (*store.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	CreateRun(ctx context.Context, accountID, workflowID string, mode store.ExecMode, startNodeIDs []string, runtimeVariables map[string]json.RawMessage) (*store.WorkflowRun, error)
	GetRun(ctx context.Context, id string) (*store.WorkflowRun, error)
}

type CreateWorkflowRequest struct {
	AccountID string               `json:"account_id"`
	Name      string               `json:"name"`
	Nodes     []store.WorkflowNode `json:"nodes"`
	Edges     []store.WorkflowEdge `json:"edges"`
	Variables []store.VariableDecl `json:"variables"`
}

type CreateWorkflowResponse struct {
	Workflow *store.Workflow `json:"workflow"`
}

type GetWorkflowRequest struct {
	WorkflowID string `json:"workflow_id"`
}

type GetWorkflowResponse struct {
	Workflow *store.Workflow `json:"workflow"`
}

type CreateRunRequest struct {
	AccountID        string                     `json:"account_id"`
	WorkflowID       string                     `json:"workflow_id"`
	Mode             store.ExecMode             `json:"mode"`
	StartNodeIDs     []string                   `json:"start_node_ids,omitempty"`
	RuntimeVariables map[string]json.RawMessage `json:"runtime_variables,omitempty"`
}

type CreateRunResponse struct {
	Run *store.WorkflowRun `json:"run"`
}

type GetRunRequest struct {
	RunID string `json:"run_id"`
}

type GetRunResponse struct {
	Run *store.WorkflowRun `json:"run"`
}

// WorkflowServiceServer is the hand-declared service interface dispatched to
// by the JSON codec.
type WorkflowServiceServer interface {
	CreateWorkflow(ctx context.Context, req *CreateWorkflowRequest) (*CreateWorkflowResponse, error)
	GetWorkflow(ctx context.Context, req *GetWorkflowRequest) (*GetWorkflowResponse, error)
	CreateRun(ctx context.Context, req *CreateRunRequest) (*CreateRunResponse, error)
	GetRun(ctx context.Context, req *GetRunRequest) (*GetRunResponse, error)
}

// WorkflowServer implements WorkflowServiceServer over a WorkflowEngine.
type WorkflowServer struct {
	engine WorkflowEngine
}

func NewWorkflowServer(engine WorkflowEngine) *WorkflowServer {
	return &WorkflowServer{engine: engine}
}

func (s *WorkflowServer) CreateWorkflow(ctx context.Context, req *CreateWorkflowRequest) (*CreateWorkflowResponse, error) {
	w, err := s.engine.CreateWorkflow(ctx, req.AccountID, req.Name, req.Nodes, req.Edges, req.Variables)
	if err != nil {
		return nil, grpcError(err)
	}
	return &CreateWorkflowResponse{Workflow: w}, nil
}

func (s *WorkflowServer) GetWorkflow(ctx context.Context, req *GetWorkflowRequest) (*GetWorkflowResponse, error) {
	w, err := s.engine.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &GetWorkflowResponse{Workflow: w}, nil
}

func (s *WorkflowServer) CreateRun(ctx context.Context, req *CreateRunRequest) (*CreateRunResponse, error) {
	r, err := s.engine.CreateRun(ctx, req.AccountID, req.WorkflowID, req.Mode, req.StartNodeIDs, req.RuntimeVariables)
	if err != nil {
		return nil, grpcError(err)
	}
	return &CreateRunResponse{Run: r}, nil
}

func (s *WorkflowServer) GetRun(ctx context.Context, req *GetRunRequest) (*GetRunResponse, error) {
	r, err := s.engine.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &GetRunResponse{Run: r}, nil
}

func _WorkflowService_CreateWorkflow_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateWorkflowRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkflowServiceServer).CreateWorkflow(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/beam.rpc.WorkflowService/CreateWorkflow"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkflowServiceServer).CreateWorkflow(ctx, req.(*CreateWorkflowRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _WorkflowService_GetWorkflow_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetWorkflowRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkflowServiceServer).GetWorkflow(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/beam.rpc.WorkflowService/GetWorkflow"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkflowServiceServer).GetWorkflow(ctx, req.(*GetWorkflowRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _WorkflowService_CreateRun_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateRunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkflowServiceServer).CreateRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/beam.rpc.WorkflowService/CreateRun"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkflowServiceServer).CreateRun(ctx, req.(*CreateRunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _WorkflowService_GetRun_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkflowServiceServer).GetRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/beam.rpc.WorkflowService/GetRun"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkflowServiceServer).GetRun(ctx, req.(*GetRunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// WorkflowServiceDesc is the hand-declared grpc.ServiceDesc a protoc plugin
// would otherwise generate from a .proto file.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: "beam.rpc.WorkflowService",
	HandlerType: (*WorkflowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateWorkflow", Handler: _WorkflowService_CreateWorkflow_Handler},
		{MethodName: "GetWorkflow", Handler: _WorkflowService_GetWorkflow_Handler},
		{MethodName: "CreateRun", Handler: _WorkflowService_CreateRun_Handler},
		{MethodName: "GetRun", Handler: _WorkflowService_GetRun_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpc/workflow_service.go",
}

// RegisterWorkflowServiceServer wires srv onto s the way a generated
// pb.RegisterWorkflowServiceServer function would.
func RegisterWorkflowServiceServer(s grpc.ServiceRegistrar, srv WorkflowServiceServer) {
	s.RegisterService(&WorkflowServiceDesc, srv)
}
