package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chronod/chronod/internal/config"
	"github.com/chronod/chronod/internal/store"
	"github.com/chronod/chronod/pkg/protocol"
)

const rpcTimeout = 10 * time.Second

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fatalf("%s", err)
	}
	return cfg
}

// openStore opens the database directly (standalone mode). The WAL journal
// lets this coexist with a running server, though mutations made this way
// are only noticed at the server's next poll.
func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalf("open database %s: %s", cfg.DBPath, err)
	}
	return st
}

// rpcClient is a minimal gateway client for one-shot CLI calls.
type rpcClient struct {
	conn *websocket.Conn
}

// dialGateway connects and authenticates against a running server. A nil
// client with a nil error means the gateway is simply not up.
func dialGateway(cfg *config.Config) (*rpcClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial("ws://"+cfg.GatewayAddr+"/ws", nil)
	if err != nil {
		return nil, nil
	}
	c := &rpcClient{conn: conn}
	resp, err := c.call(protocol.MethodConnect, map[string]string{"token": cfg.GatewayToken})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !resp.OK {
		conn.Close()
		return nil, fmt.Errorf("connect rejected: %s", resp.Error.Message)
	}
	return c, nil
}

func (c *rpcClient) call(method string, params interface{}) (*protocol.ResponseFrame, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     uuid.NewString(),
		Method: method,
		Params: raw,
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, err
	}

	c.conn.SetReadDeadline(time.Now().Add(rpcTimeout))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		frameType, err := protocol.ParseFrameType(data)
		if err != nil {
			return nil, err
		}
		if frameType != protocol.FrameTypeResponse {
			continue // interleaved event push
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, err
		}
		if resp.ID == req.ID {
			return &resp, nil
		}
	}
}

func (c *rpcClient) Close() {
	c.conn.Close()
}

// rpc performs one call against a running server and decodes the payload
// into out (out may be nil). Returns false when no server is reachable, so
// the caller can fall back to the database.
func rpc(cfg *config.Config, method string, params, out interface{}) bool {
	client, err := dialGateway(cfg)
	if err != nil {
		fatalf("%s", err)
	}
	if client == nil {
		return false
	}
	defer client.Close()

	resp, err := client.call(method, params)
	if err != nil {
		fatalf("%s", err)
	}
	if !resp.OK {
		fatalf("%s", resp.Error.Message)
	}
	if out != nil && resp.Payload != nil {
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			fatalf("decode response: %s", err)
		}
	}
	return true
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
