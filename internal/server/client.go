// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/model"
)

// Client calls a remote router.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security; the router listens on
// loopback by default.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Ask sends one query. Router failures come back as *errors.E.
func (c *Client) Ask(ctx context.Context, text, sessionID string) (model.Answer, error) {
	in, err := structpb.NewStruct(map[string]any{"text": text, "session_id": sessionID})
	if err != nil {
		return model.Answer{}, errs.Wrap(errs.InternalError, "could not encode the request", err)
	}
	out := new(structpb.Struct)
	ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", uuid.NewString())
	if err := c.conn.Invoke(ctx, askMethod, in, out); err != nil {
		return model.Answer{}, fromStatus(err)
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return model.Answer{}, errs.Wrap(errs.InternalError, "could not decode the answer", err)
	}
	var a model.Answer
	if err := json.Unmarshal(raw, &a); err != nil {
		return model.Answer{}, errs.Wrap(errs.InternalError, "could not decode the answer", err)
	}
	return a, nil
}

// RefreshResult summarizes a forced schema refresh.
type RefreshResult struct {
	Tables    int
	FetchedAt time.Time
	Stale     bool
}

// Refresh asks the router to re-read the database schema.
func (c *Client) Refresh(ctx context.Context) (RefreshResult, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, refreshMethod, &structpb.Struct{}, out); err != nil {
		return RefreshResult{}, fromStatus(err)
	}
	f := out.GetFields()
	res := RefreshResult{
		Tables: int(f["tables"].GetNumberValue()),
		Stale:  f["stale"].GetBoolValue(),
	}
	res.FetchedAt, _ = time.Parse(time.RFC3339, f["fetched_at"].GetStringValue())
	return res, nil
}

// Healthy reports whether the router's health service says SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// fromStatus rebuilds the router error from a gRPC status.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errs.Wrap(errs.UpstreamUnavailable, "the router is unreachable", err)
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return errs.New(errs.Kind(info.GetReason()), st.Message())
		}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return errs.Wrap(errs.UpstreamUnavailable, "the router is unreachable", err)
	case codes.InvalidArgument:
		return errs.Wrap(errs.InternalError, st.Message(), err)
	}
	return errs.Wrap(errs.InternalError, "the router failed", err)
}
