package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/beammedia/control-plane/internal/store"
	"github.com/beammedia/control-plane/internal/task"
)

// TaskEngine is the subset of *task.Engine the Task RPC service calls.
type TaskEngine interface {
	CreateTask(ctx context.Context, accountID string, taskType store.TaskType, config json.RawMessage, inputs []task.InputRef, estimatedUsage int64) (*store.Task, error)
	Get(ctx context.Context, taskID string) (*store.Task, error)
	List(ctx context.Context, accountID string, status store.TaskStatus, limit int) ([]store.Task, error)
	Cancel(ctx context.Context, taskID string) (*store.Task, error)
}

// InputRef is the wire shape of task.InputRef — that type carries no JSON
// tags since it never crossed a process boundary before this service.
type InputRef struct {
	TempKey  string              `json:"temp_key"`
	Filename string              `json:"filename"`
	Type     store.ResourceType  `json:"type"`
}

type CreateTaskRequest struct {
	AccountID      string          `json:"account_id"`
	Type           store.TaskType  `json:"type"`
	Config         json.RawMessage `json:"config"`
	Inputs         []InputRef      `json:"inputs"`
	EstimatedUsage int64           `json:"estimated_usage"`
}

type CreateTaskResponse struct {
	Task *store.Task `json:"task"`
}

type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

type GetTaskResponse struct {
	Task *store.Task `json:"task"`
}

type ListTasksRequest struct {
	AccountID string           `json:"account_id"`
	Status    store.TaskStatus `json:"status,omitempty"`
	Limit     int              `json:"limit"`
}

type ListTasksResponse struct {
	Tasks []store.Task `json:"tasks"`
}

type CancelTaskRequest struct {
	TaskID string `json:"task_id"`
}

type CancelTaskResponse struct {
	Task *store.Task `json:"task"`
}

// TaskServiceServer is the hand-declared service interface the JSON codec
// dispatches to — the server-side counterpart a .pb.go file would otherwise
// generate.
type TaskServiceServer interface {
	CreateTask(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error)
	GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error)
	ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error)
	CancelTask(ctx context.Context, req *CancelTaskRequest) (*CancelTaskResponse, error)
}

// TaskServer implements TaskServiceServer over a TaskEngine, translating
// request/response wire structs and engine errors at the RPC boundary —
// the same thin-layer responsibility the teacher's BalanceService has over
// *ledger.Ledger.
type TaskServer struct {
	engine TaskEngine
}

func NewTaskServer(engine TaskEngine) *TaskServer {
	return &TaskServer{engine: engine}
}

func (s *TaskServer) CreateTask(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	inputs := make([]task.InputRef, len(req.Inputs))
	for i, in := range req.Inputs {
		inputs[i] = task.InputRef{TempKey: in.TempKey, Filename: in.Filename, Type: in.Type}
	}
	t, err := s.engine.CreateTask(ctx, req.AccountID, req.Type, req.Config, inputs, req.EstimatedUsage)
	if err != nil {
		return nil, grpcError(err)
	}
	return &CreateTaskResponse{Task: t}, nil
}

func (s *TaskServer) GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error) {
	t, err := s.engine.Get(ctx, req.TaskID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &GetTaskResponse{Task: t}, nil
}

func (s *TaskServer) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	tasks, err := s.engine.List(ctx, req.AccountID, req.Status, req.Limit)
	if err != nil {
		return nil, grpcError(err)
	}
	return &ListTasksResponse{Tasks: tasks}, nil
}

func (s *TaskServer) CancelTask(ctx context.Context, req *CancelTaskRequest) (*CancelTaskResponse, error) {
	t, err := s.engine.Cancel(ctx, req.TaskID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &CancelTaskResponse{Task: t}, nil
}

func _TaskService_CreateTask_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).CreateTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/beam.rpc.TaskService/CreateTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskServiceServer).CreateTask(ctx, req.(*CreateTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TaskService_GetTask_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).GetTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/beam.rpc.TaskService/GetTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskServiceServer).GetTask(ctx, req.(*GetTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TaskService_ListTasks_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListTasksRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).ListTasks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/beam.rpc.TaskService/ListTasks"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskServiceServer).ListTasks(ctx, req.(*ListTasksRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TaskService_CancelTask_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).CancelTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/beam.rpc.TaskService/CancelTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskServiceServer).CancelTask(ctx, req.(*CancelTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// TaskServiceDesc is the hand-declared grpc.ServiceDesc a protoc plugin
// would otherwise generate from a .proto file.
var TaskServiceDesc = grpc.ServiceDesc{
	ServiceName: "beam.rpc.TaskService",
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTask", Handler: _TaskService_CreateTask_Handler},
		{MethodName: "GetTask", Handler: _TaskService_GetTask_Handler},
		{MethodName: "ListTasks", Handler: _TaskService_ListTasks_Handler},
		{MethodName: "CancelTask", Handler: _TaskService_CancelTask_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpc/task_service.go",
}

// RegisterTaskServiceServer wires srv onto s the way a generated
// pb.RegisterTaskServiceServer function would.
func RegisterTaskServiceServer(s grpc.ServiceRegistrar, srv TaskServiceServer) {
	s.RegisterService(&TaskServiceDesc, srv)
}
