package control

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/network"
)

// ErrInvalidArgument marks malformed request fields.
var ErrInvalidArgument = errors.New("invalid argument")

func (s *Server) createNode(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, err := optionalInt(req, "id", -1, -1, math.MaxUint16)
	if err != nil {
		return nil, err
	}
	port, err := optionalInt(req, "port", s.defaultPort, 0, math.MaxUint16)
	if err != nil {
		return nil, err
	}
	spec := network.NodeSpec{
		ID:           id,
		Port:         port,
		Kind:         optionalString(req, "kind"),
		Name:         optionalString(req, "name"),
		FriendlyName: optionalString(req, "friendly_name"),
	}
	if raw := optionalString(req, "uuid"); raw != "" {
		if spec.StableID, err = uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("%w: uuid: %w", ErrInvalidArgument, err)
		}
	}
	n, err := m.CreateNode(spec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": int(n.ID()), "port": port}, nil
}

func destroyNode(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, err := nodeID(req)
	if err != nil {
		return nil, err
	}
	return nil, m.DestroyNode(id)
}

func destroyAllNodes(_ context.Context, m *network.Manager, _ *structpb.Struct) (map[string]any, error) {
	m.DestroyAllNodes()
	return nil, nil
}

func destroyNetwork(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	port, err := requiredInt(req, "port", 0, math.MaxUint16)
	if err != nil {
		return nil, err
	}
	return nil, m.RemoveNetwork(port)
}

func listNodes(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	port, err := optionalInt(req, "port", -1, -1, math.MaxUint16)
	if err != nil {
		return nil, err
	}
	summaries := m.ListNodes(port)
	nodes := make([]any, len(summaries))
	for i, n := range summaries {
		nodes[i] = map[string]any{
			"id":            int(n.ID),
			"name":          n.Name,
			"friendly_name": n.FriendlyName,
			"port":          n.Port,
			"kind":          n.Kind,
			"finalized":     n.Finalized,
		}
	}
	return map[string]any{"nodes": nodes}, nil
}

func addVariable(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, name, err := nodeAndName(req)
	if err != nil {
		return nil, err
	}
	size, err := requiredInt(req, "size", 1, math.MaxUint16)
	if err != nil {
		return nil, err
	}
	return nil, m.AddVariable(id, name, size)
}

func addEvent(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, name, err := nodeAndName(req)
	if err != nil {
		return nil, err
	}
	return nil, m.AddEvent(id, name, optionalString(req, "description"))
}

func addFunction(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, name, err := nodeAndName(req)
	if err != nil {
		return nil, err
	}
	callback, err := requiredString(req, "callback")
	if err != nil {
		return nil, err
	}
	var args []model.FunctionArgument
	if v, ok := req.GetFields()["arguments"]; ok {
		list := v.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("%w: arguments must be a list", ErrInvalidArgument)
		}
		for i, item := range list.GetValues() {
			arg := item.GetStructValue()
			if arg == nil {
				return nil, fmt.Errorf("%w: arguments[%d] must be an object", ErrInvalidArgument, i)
			}
			argName, err := requiredString(arg, "name")
			if err != nil {
				return nil, fmt.Errorf("arguments[%d]: %w", i, err)
			}
			size, err := requiredInt(arg, "size", math.MinInt16, math.MaxInt16)
			if err != nil {
				return nil, fmt.Errorf("arguments[%d]: %w", i, err)
			}
			args = append(args, model.FunctionArgument{Name: argName, Size: int16(size)})
		}
	}
	return nil, m.AddFunction(id, name, optionalString(req, "description"), args, callback)
}

func getVariable(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, name, err := nodeAndName(req)
	if err != nil {
		return nil, err
	}
	values, err := m.GetVariable(id, name)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = int(v)
	}
	return map[string]any{"values": out}, nil
}

func setVariable(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, name, err := nodeAndName(req)
	if err != nil {
		return nil, err
	}
	values, err := int16List(req, "values")
	if err != nil {
		return nil, err
	}
	return nil, m.SetVariable(id, name, values)
}

func emitEvent(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, name, err := nodeAndName(req)
	if err != nil {
		return nil, err
	}
	return nil, m.EmitEvent(id, name)
}

// loadScript takes exactly one of code (source text) and path (a plain or
// .aesl file on the hub's filesystem).
func loadScript(ctx context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, err := nodeID(req)
	if err != nil {
		return nil, err
	}
	code, path := optionalString(req, "code"), optionalString(req, "path")
	switch {
	case code != "" && path != "":
		return nil, fmt.Errorf("%w: code and path are exclusive", ErrInvalidArgument)
	case path != "":
		return nil, m.LoadScriptFromFile(ctx, id, path)
	default:
		return nil, m.LoadScriptFromText(ctx, id, code)
	}
}

func setStableID(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, err := nodeID(req)
	if err != nil {
		return nil, err
	}
	raw, err := requiredString(req, "uuid")
	if err != nil {
		return nil, err
	}
	stable, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: uuid: %w", ErrInvalidArgument, err)
	}
	return nil, m.SetStableID(id, stable)
}

func setFriendlyName(_ context.Context, m *network.Manager, req *structpb.Struct) (map[string]any, error) {
	id, name, err := nodeAndName(req)
	if err != nil {
		return nil, err
	}
	return nil, m.SetFriendlyName(id, name)
}

func nodeID(req *structpb.Struct) (uint16, error) {
	id, err := requiredInt(req, "id", 0, math.MaxUint16)
	return uint16(id), err
}

func nodeAndName(req *structpb.Struct) (uint16, string, error) {
	id, err := nodeID(req)
	if err != nil {
		return 0, "", err
	}
	name, err := requiredString(req, "name")
	return id, name, err
}

func requiredInt(req *structpb.Struct, key string, lo, hi int) (int, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	return toInt(v, key, lo, hi)
}

func optionalInt(req *structpb.Struct, key string, def, lo, hi int) (int, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return def, nil
	}
	return toInt(v, key, lo, hi)
}

func toInt(v *structpb.Value, key string, lo, hi int) (int, error) {
	num, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArgument, key)
	}
	f := num.NumberValue
	if f != math.Trunc(f) || f < float64(lo) || f > float64(hi) {
		return 0, fmt.Errorf("%w: %s must be an integer in [%d, %d], got %v", ErrInvalidArgument, key, lo, hi, f)
	}
	return int(f), nil
}

func requiredString(req *structpb.Struct, key string) (string, error) {
	s := optionalString(req, key)
	if s == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	return s, nil
}

func optionalString(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func int16List(req *structpb.Struct, key string) ([]int16, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: %s must be a list", ErrInvalidArgument, key)
	}
	out := make([]int16, len(list.GetValues()))
	for i, item := range list.GetValues() {
		n, err := toInt(item, fmt.Sprintf("%s[%d]", key, i), math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, err
		}
		out[i] = int16(n)
	}
	return out, nil
}
