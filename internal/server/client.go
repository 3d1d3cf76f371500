package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// Client 是 InferenceService 的呼叫端
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial 建立不加密的連線；呼叫端負責關閉返回的 ClientConn
func Dial(addr string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

// SubmitJob 提交任務，timeout<=0 時使用伺服器預設值
func (c *Client) SubmitJob(ctx context.Context, refs []string, timeout time.Duration) (types.JobID, error) {
	list := make([]any, len(refs))
	for i, r := range refs {
		list[i] = r
	}
	fields := map[string]any{"refs": list}
	if timeout > 0 {
		fields["timeout_ms"] = float64(timeout.Milliseconds())
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return "", err
	}

	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodSubmitJob, req, out); err != nil {
		return "", err
	}
	id := out.GetFields()["job_id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("submit: response has no job_id")
	}
	return types.JobID(id), nil
}

// GetJob 查詢任務快照
func (c *Client) GetJob(ctx context.Context, id types.JobID) (types.JobSnapshot, error) {
	return c.jobCall(ctx, methodGetJob, id)
}

// CancelJob 取消任務
func (c *Client) CancelJob(ctx context.Context, id types.JobID) (types.JobSnapshot, error) {
	return c.jobCall(ctx, methodCancelJob, id)
}

// ExportJob 取得終止任務的 CSV
func (c *Client) ExportJob(ctx context.Context, id types.JobID) ([]byte, error) {
	out := &wrapperspb.BytesValue{}
	if err := c.cc.Invoke(ctx, methodExportJob, wrapperspb.String(string(id)), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// Stats 取得 engine 統計，以 JSON 物件返回
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodGetStats, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) jobCall(ctx context.Context, method string, id types.JobID) (types.JobSnapshot, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, wrapperspb.String(string(id)), out); err != nil {
		return types.JobSnapshot{}, err
	}
	return decodeJob(out)
}

func decodeJob(s *structpb.Struct) (types.JobSnapshot, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return types.JobSnapshot{}, fmt.Errorf("decode job: %w", err)
	}
	var job types.JobSnapshot
	if err := json.Unmarshal(data, &job); err != nil {
		return types.JobSnapshot{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
