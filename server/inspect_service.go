package server

import (
	"context"
	"time"

	"github.com/chazu/indy/journal"
	"github.com/chazu/indy/vm"
	"github.com/chazu/indy/vm/wire"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// journalLimit caps the entries returned by one Journal call.
const journalLimit = 1000

// inspectService implements InspectorServer over a VM.
type inspectService struct {
	vm      *vm.VM
	journal *journal.Journal
}

// statusError maps a linkage error to a gRPC status.
func statusError(err error) error {
	code := codes.Unknown
	switch vm.KindOf(err) {
	case vm.KindWrongSignature, vm.KindInvalidArgument, vm.KindClassCast,
		vm.KindNullPointer, vm.KindNullTarget:
		code = codes.InvalidArgument
	case vm.KindNoAccess:
		code = codes.PermissionDenied
	case vm.KindNoSuchMember:
		code = codes.NotFound
	case vm.KindIllegalState:
		code = codes.FailedPrecondition
	case vm.KindUnsupportedOperation:
		code = codes.Unimplemented
	case vm.KindBootstrap:
		code = codes.Aborted
	}
	return status.Error(code, err.Error())
}

func (s *inspectService) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.vm.Linker.Stats()
	ic := st.InlineCaches
	return structpb.NewStruct(map[string]any{
		"instructions": st.Instructions,
		"unlinked":     st.Unlinked,
		"linked":       st.Linked,
		"failed":       st.Failed,
		"links":        st.Links,
		"failures":     st.Failures,
		"races":        st.Races,
		"signatures":   st.Signatures,
		"bootstraps":   st.Bootstraps,
		"inlineCaches": map[string]any{
			"callSites":       ic.TotalCallSites,
			"monomorphic":     ic.Monomorphic,
			"polymorphic":     ic.Polymorphic,
			"megamorphic":     ic.Megamorphic,
			"empty":           ic.Empty,
			"hits":            ic.TotalHits,
			"misses":          ic.TotalMisses,
			"hitRate":         ic.HitRate,
			"monomorphicRate": ic.MonomorphicRate,
		},
	})
}

func instructionFields(ci *vm.CallInstruction) map[string]any {
	fields := map[string]any{
		"id":          ci.ID().String(),
		"caller":      ci.Caller().Name(),
		"name":        ci.Name(),
		"descriptor":  ci.Type().Descriptor(),
		"args":        ci.Args().Kind().String(),
		"state":       ci.State().String(),
		"invocations": ci.Invocations(),
		"bootstraps":  ci.BootstrapCalls(),
	}
	if bsm := ci.Bootstrap(); bsm != nil {
		fields["bootstrap"] = bsm.Name()
	}
	if site := ci.Site(); site != nil {
		fields["site"] = vm.SiteKind(site)
		if target := site.Target(); target != nil {
			fields["target"] = target.Name()
		}
		fields["linkedAt"] = ci.LinkedAt().UTC().Format(time.RFC3339Nano)
	}
	if err := ci.Err(); err != nil {
		fields["error"] = err.Error()
	}
	return fields
}

func (s *inspectService) ListInstructions(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	caller := in.GetValue()
	var items []any
	for _, ci := range s.vm.Linker.Instructions() {
		if caller != "" && ci.Caller().Name() != caller {
			continue
		}
		items = append(items, instructionFields(ci))
	}
	return structpb.NewList(items)
}

func (s *inspectService) Link(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := uuid.Parse(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad instruction id %q: %s", in.GetValue(), err)
	}
	ci := s.vm.Linker.Instruction(id)
	if ci == nil {
		return nil, status.Errorf(codes.NotFound, "no instruction %s", id)
	}
	if _, err := s.vm.Linker.Link(ci); err != nil {
		return nil, statusError(err)
	}
	return structpb.NewStruct(instructionFields(ci))
}

func typeNames(ts []*vm.Type) []any {
	names := make([]any, len(ts))
	for i, t := range ts {
		names[i] = t.Name()
	}
	return names
}

func (s *inspectService) Describe(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	sig, err := s.vm.Types.ParseDescriptor(in.GetValue())
	if err != nil {
		return nil, statusError(err)
	}
	return structpb.NewStruct(map[string]any{
		"descriptor":    sig.Descriptor(),
		"return":        sig.ReturnType().Name(),
		"parameters":    typeNames(sig.Parameters()),
		"hasPrimitives": sig.HasPrimitives(),
		"hasWrappers":   sig.HasWrappers(),
		"erased":        sig.Erase().Descriptor(),
		"generic":       sig.Generic().Descriptor(),
		"wrapped":       sig.Wrap().Descriptor(),
		"unwrapped":     sig.Unwrap().Descriptor(),
	})
}

func (s *inspectService) Demangle(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	parts := vm.DemangleName(in.GetValue())
	items := make([]any, len(parts))
	for i, p := range parts {
		items[i] = p
	}
	return structpb.NewList(items)
}

func (s *inspectService) Snapshot(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	data, err := wire.Marshal(wire.Capture(s.vm.Linker))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding snapshot: %s", err)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *inspectService) Sweep(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats := s.vm.GC.SweepNow()
	return structpb.NewStruct(map[string]any{
		"signatures": stats.Signatures,
		"bootstraps": stats.Bootstraps,
		"total":      stats.TotalSwept,
		"durationMs": float64(stats.SweepDuration) / float64(time.Millisecond),
		"sweeps":     s.vm.GC.SweepCount(),
	})
}

func (s *inspectService) Journal(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	if s.journal == nil {
		return nil, status.Error(codes.FailedPrecondition, "no journal configured")
	}
	if err := s.journal.Flush(ctx); err != nil {
		return nil, status.Errorf(codes.Unavailable, "flushing journal: %s", err)
	}
	entries, err := s.journal.Query(ctx, journal.Filter{Caller: in.GetValue(), Limit: journalLimit})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%s", err)
	}
	items := make([]any, len(entries))
	for i, e := range entries {
		fields := map[string]any{
			"seq":         e.Seq,
			"instruction": e.Instruction.String(),
			"caller":      e.Caller,
			"name":        e.Name,
			"descriptor":  e.Descriptor,
			"outcome":     e.Outcome,
			"durationUs":  e.Duration.Microseconds(),
			"time":        e.Time.UTC().Format(time.RFC3339Nano),
		}
		if e.SiteKind != "" {
			fields["site"] = e.SiteKind
		}
		if e.Error != "" {
			fields["error"] = e.Error
		}
		items[i] = fields
	}
	return structpb.NewList(items)
}
