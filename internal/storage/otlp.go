package storage

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

// SpansFromOTLP flattens OTLP ResourceSpans -> ScopeSpans -> Span into
// waterfall spans. Scope name and version are kept as otel.scope.* attributes.
func SpansFromOTLP(resourceSpans []*tracepb.ResourceSpans) []waterfall.Span {
	var out []waterfall.Span
	for _, rs := range resourceSpans {
		serviceName := extractServiceName(rs.GetResource())
		resourceAttrs := attributeMap(rs.GetResource().GetAttributes())

		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				ws := convertSpan(span, serviceName)
				ws.ResourceAttributes = resourceAttrs
				if scope := ss.GetScope(); scope != nil && scope.GetName() != "" {
					if ws.Attributes == nil {
						ws.Attributes = make(map[string]*string)
					}
					ws.Attributes["otel.scope.name"] = waterfall.StringPtr(scope.GetName())
					if v := scope.GetVersion(); v != "" {
						ws.Attributes["otel.scope.version"] = waterfall.StringPtr(v)
					}
				}
				out = append(out, ws)
			}
		}
	}
	return out
}

func convertSpan(span *tracepb.Span, serviceName string) waterfall.Span {
	ws := waterfall.Span{
		TraceID:       hex.EncodeToString(span.GetTraceId()),
		SpanID:        hex.EncodeToString(span.GetSpanId()),
		ServiceName:   serviceName,
		OperationName: span.GetName(),
		StartTime:     nanosToTime(span.GetStartTimeUnixNano()),
		EndTime:       nanosToTime(span.GetEndTimeUnixNano()),
		Status:        statusString(span.GetStatus()),
		Attributes:    attributeMap(span.GetAttributes()),
	}

	if parent := span.GetParentSpanId(); !isZeroID(parent) {
		ws.ParentSpanID = waterfall.StringPtr(hex.EncodeToString(parent))
	}
	if kind := kindString(span.GetKind()); kind != "" {
		ws.Kind = &kind
	}
	if msg := span.GetStatus().GetMessage(); msg != "" {
		if ws.Attributes == nil {
			ws.Attributes = make(map[string]*string)
		}
		ws.Attributes["otel.status_description"] = waterfall.StringPtr(msg)
	}

	if len(span.GetEvents()) > 0 {
		ws.Events = make(map[string]*string, len(span.GetEvents()))
		for _, ev := range span.GetEvents() {
			ts := nanosToTime(ev.GetTimeUnixNano()).Format(time.RFC3339Nano)
			ws.Events[ev.GetName()] = &ts
		}
	}

	return ws
}

func nanosToTime(nanos uint64) time.Time {
	return time.Unix(0, int64(nanos)).UTC()
}

// isZeroID reports whether an OTLP id is absent or all zero bytes.
func isZeroID(id []byte) bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// statusString maps OTLP status codes to the dashboard's status vocabulary.
func statusString(status *tracepb.Status) string {
	switch status.GetCode() {
	case tracepb.Status_STATUS_CODE_OK:
		return "Ok"
	case tracepb.Status_STATUS_CODE_ERROR:
		return "Error"
	default:
		return "Unset"
	}
}

// kindString turns SPAN_KIND_SERVER into "Server". Unspecified yields "".
func kindString(kind tracepb.Span_SpanKind) string {
	if kind == tracepb.Span_SPAN_KIND_UNSPECIFIED {
		return ""
	}
	name := strings.TrimPrefix(kind.String(), "SPAN_KIND_")
	return name[:1] + strings.ToLower(name[1:])
}

// extractServiceName extracts the service.name attribute from an OTLP resource.
// Returns "unknown" if the service name is not found.
func extractServiceName(resource *resourcepb.Resource) string {
	for _, attr := range resource.GetAttributes() {
		if attr.Key == "service.name" {
			if sv := attr.Value.GetStringValue(); sv != "" {
				return sv
			}
		}
	}
	return "unknown"
}

func attributeMap(attrs []*commonpb.KeyValue) map[string]*string {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]*string, len(attrs))
	for _, kv := range attrs {
		m[kv.Key] = anyValueString(kv.Value)
	}
	return m
}

// anyValueString renders an attribute value; nil for an empty value.
func anyValueString(value *commonpb.AnyValue) *string {
	if value == nil || value.Value == nil {
		return nil
	}

	var s string
	switch v := value.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		s = v.StringValue
	case *commonpb.AnyValue_IntValue:
		s = strconv.FormatInt(v.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		s = strconv.FormatFloat(v.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		s = strconv.FormatBool(v.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		s = hex.EncodeToString(v.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		parts := make([]string, 0, len(v.ArrayValue.GetValues()))
		for _, item := range v.ArrayValue.GetValues() {
			if p := anyValueString(item); p != nil {
				parts = append(parts, *p)
			}
		}
		s = "[" + strings.Join(parts, ", ") + "]"
	case *commonpb.AnyValue_KvlistValue:
		parts := make([]string, 0, len(v.KvlistValue.GetValues()))
		for _, kv := range v.KvlistValue.GetValues() {
			val := ""
			if p := anyValueString(kv.Value); p != nil {
				val = *p
			}
			parts = append(parts, kv.Key+"="+val)
		}
		s = "{" + strings.Join(parts, ", ") + "}"
	default:
		return nil
	}
	return &s
}
