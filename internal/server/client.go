package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// Client calls a remote JobPool service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Schedule submits a job.
func (c *Client) Schedule(ctx context.Context, kind types.JobKind, payload []byte, ownerID, tier string) (types.Job, error) {
	out, err := c.call(ctx, "Schedule", map[string]any{
		"kind":     string(kind),
		"payload":  string(payload),
		"owner_id": ownerID,
		"tier":     tier,
	})
	if err != nil {
		return types.Job{}, err
	}
	return jobFromStruct(out)
}

// Status fetches a job. Unknown jobs return a NotFound status error.
func (c *Client) Status(ctx context.Context, jobID types.JobID) (types.Job, error) {
	out, err := c.call(ctx, "Status", map[string]any{"job_id": string(jobID)})
	if err != nil {
		return types.Job{}, err
	}
	return jobFromStruct(out)
}

// Cancel cancels a queued job.
func (c *Client) Cancel(ctx context.Context, jobID types.JobID) (bool, error) {
	out, err := c.call(ctx, "Cancel", map[string]any{"job_id": string(jobID)})
	if err != nil {
		return false, err
	}
	return out.GetFields()["cancelled"].GetBoolValue(), nil
}

// ListByOwner lists an owner's jobs, oldest first.
func (c *Client) ListByOwner(ctx context.Context, ownerID string) ([]types.Job, error) {
	out, err := c.call(ctx, "ListByOwner", map[string]any{"owner_id": ownerID})
	if err != nil {
		return nil, err
	}
	return jobsFromStruct(out)
}

// Stats fetches the pool counters.
func (c *Client) Stats(ctx context.Context) (types.Stats, error) {
	out, err := c.call(ctx, "Stats", map[string]any{})
	if err != nil {
		return types.Stats{}, err
	}
	return statsFromStruct(out), nil
}

// Watch streams events to fn until ctx ends, the server closes the
// stream, or fn returns an error. Empty ownerID and jobID watch everything.
func (c *Client) Watch(ctx context.Context, ownerID string, jobID types.JobID, fn func(types.Event) error) error {
	req, err := structpb.NewStruct(map[string]any{
		"owner_id": ownerID,
		"job_id":   string(jobID),
	})
	if err != nil {
		return err
	}

	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		evt, err := eventFromStruct(msg)
		if err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) call(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
