package control

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/network"
)

// Client calls the NodeControl service.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with a raw request.
func (c *Client) Call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateNode returns the id the hub assigned. A negative spec.ID asks for
// the lowest free id and a zero spec.Port selects the hub's default port.
func (c *Client) CreateNode(ctx context.Context, spec network.NodeSpec) (uint16, error) {
	in := map[string]any{"id": spec.ID}
	if spec.Port != 0 {
		in["port"] = spec.Port
	}
	if spec.Kind != "" {
		in["kind"] = spec.Kind
	}
	if spec.Name != "" {
		in["name"] = spec.Name
	}
	if spec.FriendlyName != "" {
		in["friendly_name"] = spec.FriendlyName
	}
	if spec.StableID != uuid.Nil {
		in["uuid"] = spec.StableID.String()
	}
	out, err := c.Call(ctx, MethodCreateNode, in)
	if err != nil {
		return 0, err
	}
	return uint16(out.GetFields()["id"].GetNumberValue()), nil
}

func (c *Client) DestroyNode(ctx context.Context, id uint16) error {
	_, err := c.Call(ctx, MethodDestroyNode, map[string]any{"id": int(id)})
	return err
}

func (c *Client) DestroyAllNodes(ctx context.Context) error {
	_, err := c.Call(ctx, MethodDestroyAllNodes, nil)
	return err
}

func (c *Client) DestroyNetwork(ctx context.Context, port int) error {
	_, err := c.Call(ctx, MethodDestroyNetwork, map[string]any{"port": port})
	return err
}

// ListNodes lists the nodes on port, or every node when port is negative.
func (c *Client) ListNodes(ctx context.Context, port int) ([]model.NodeSummary, error) {
	in := map[string]any{}
	if port >= 0 {
		in["port"] = port
	}
	out, err := c.Call(ctx, MethodListNodes, in)
	if err != nil {
		return nil, err
	}
	values := out.GetFields()["nodes"].GetListValue().GetValues()
	nodes := make([]model.NodeSummary, 0, len(values))
	for _, v := range values {
		f := v.GetStructValue().GetFields()
		nodes = append(nodes, model.NodeSummary{
			ID:           uint16(f["id"].GetNumberValue()),
			Name:         f["name"].GetStringValue(),
			FriendlyName: f["friendly_name"].GetStringValue(),
			Port:         int(f["port"].GetNumberValue()),
			Kind:         f["kind"].GetStringValue(),
			Finalized:    f["finalized"].GetBoolValue(),
		})
	}
	return nodes, nil
}

func (c *Client) AddVariable(ctx context.Context, id uint16, name string, size int) error {
	_, err := c.Call(ctx, MethodAddVariable, map[string]any{"id": int(id), "name": name, "size": size})
	return err
}

func (c *Client) AddEvent(ctx context.Context, id uint16, name, description string) error {
	_, err := c.Call(ctx, MethodAddEvent, map[string]any{"id": int(id), "name": name, "description": description})
	return err
}

func (c *Client) AddFunction(ctx context.Context, id uint16, name, description string, args []model.FunctionArgument, callback string) error {
	list := make([]any, len(args))
	for i, a := range args {
		list[i] = map[string]any{"name": a.Name, "size": int(a.Size)}
	}
	_, err := c.Call(ctx, MethodAddFunction, map[string]any{
		"id":          int(id),
		"name":        name,
		"description": description,
		"arguments":   list,
		"callback":    callback,
	})
	return err
}

func (c *Client) GetVariable(ctx context.Context, id uint16, name string) ([]int16, error) {
	out, err := c.Call(ctx, MethodGetVariable, map[string]any{"id": int(id), "name": name})
	if err != nil {
		return nil, err
	}
	values := out.GetFields()["values"].GetListValue().GetValues()
	res := make([]int16, len(values))
	for i, v := range values {
		res[i] = int16(v.GetNumberValue())
	}
	return res, nil
}

func (c *Client) SetVariable(ctx context.Context, id uint16, name string, values []int16) error {
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = int(v)
	}
	_, err := c.Call(ctx, MethodSetVariable, map[string]any{"id": int(id), "name": name, "values": list})
	return err
}

func (c *Client) EmitEvent(ctx context.Context, id uint16, name string) error {
	_, err := c.Call(ctx, MethodEmitEvent, map[string]any{"id": int(id), "name": name})
	return err
}

// LoadScript installs source code on node id.
func (c *Client) LoadScript(ctx context.Context, id uint16, code string) error {
	_, err := c.Call(ctx, MethodLoadScript, map[string]any{"id": int(id), "code": code})
	return err
}

// LoadScriptFile makes the hub load a file from its own filesystem.
func (c *Client) LoadScriptFile(ctx context.Context, id uint16, path string) error {
	_, err := c.Call(ctx, MethodLoadScript, map[string]any{"id": int(id), "path": path})
	return err
}

func (c *Client) SetStableID(ctx context.Context, id uint16, stable uuid.UUID) error {
	_, err := c.Call(ctx, MethodSetStableID, map[string]any{"id": int(id), "uuid": stable.String()})
	return err
}

func (c *Client) SetFriendlyName(ctx context.Context, id uint16, name string) error {
	_, err := c.Call(ctx, MethodSetFriendlyName, map[string]any{"id": int(id), "name": name})
	return err
}
