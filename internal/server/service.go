package server

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "trackwatch.v1.Control"

// ControlServer is the control surface implemented by Server.
type ControlServer interface {
	Observe(context.Context, *ObserveRequest) (*ObserveResponse, error)
	Navigate(context.Context, *NavigateRequest) (*NavigateResponse, error)
	CloseSession(context.Context, *SessionRequest) (*StatusResponse, error)
	RecordFingerprint(context.Context, *FingerprintRequest) (*FingerprintResponse, error)
	ListSessions(context.Context, *Empty) (*SessionsResponse, error)
	GetTrackers(context.Context, *SessionRequest) (*TrackersResponse, error)
	GetStats(context.Context, *SessionRequest) (*StatsResponse, error)
	SetOverride(context.Context, *OverrideRequest) (*StatusResponse, error)
	ClearOverride(context.Context, *OverrideRequest) (*StatusResponse, error)
	ListOverrides(context.Context, *Empty) (*OverridesResponse, error)
	Block(context.Context, *DomainRequest) (*RuleResponse, error)
	Unblock(context.Context, *DomainRequest) (*RuleResponse, error)
	ExportReport(context.Context, *SessionRequest) (*ReportResponse, error)
	GetInsights(context.Context, *Empty) (*InsightsResponse, error)
	SubmitFeedback(context.Context, *FeedbackRequest) (*StatusResponse, error)
	ClearData(context.Context, *ClearDataRequest) (*StatusResponse, error)
}

type failer interface{ fail(string) }

// failures builds an empty failed response per full method name, for the
// recovery interceptor.
var failures = map[string]func(string) any{}

// unary adapts a typed method to a grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := Method(name)
	failures[full] = func(msg string) any {
		resp := new(Resp)
		if f, ok := any(resp).(failer); ok {
			f.fail(msg)
		}
		return resp
	}
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes trackwatch.v1.Control for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Observe", ControlServer.Observe),
		unary("Navigate", ControlServer.Navigate),
		unary("CloseSession", ControlServer.CloseSession),
		unary("RecordFingerprint", ControlServer.RecordFingerprint),
		unary("ListSessions", ControlServer.ListSessions),
		unary("GetTrackers", ControlServer.GetTrackers),
		unary("GetStats", ControlServer.GetStats),
		unary("SetOverride", ControlServer.SetOverride),
		unary("ClearOverride", ControlServer.ClearOverride),
		unary("ListOverrides", ControlServer.ListOverrides),
		unary("Block", ControlServer.Block),
		unary("Unblock", ControlServer.Unblock),
		unary("ExportReport", ControlServer.ExportReport),
		unary("GetInsights", ControlServer.GetInsights),
		unary("SubmitFeedback", ControlServer.SubmitFeedback),
		unary("ClearData", ControlServer.ClearData),
	},
	Metadata: "trackwatch/v1/control",
}

// Method returns the full gRPC method name for name.
func Method(name string) string { return "/" + ServiceName + "/" + name }
