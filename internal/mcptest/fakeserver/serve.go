package fakeserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"time"
)

// ProtocolVersion is what initialize reports.
const ProtocolVersion = "2024-11-05"

// Serve answers requests from in on out until in closes. It handles
// initialize and tools/list; notifications get no reply and other methods
// are rejected.
func Serve(ctx context.Context, in io.Reader, out io.Writer, cfg Config) error {
	reader := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return err
		}

		if cfg.CrashOnMethod != "" && req.Method == cfg.CrashOnMethod {
			os.Exit(cfg.CrashExitCode)
		}
		if cfg.HangOnMethod != "" && req.Method == cfg.HangOnMethod {
			for {
				time.Sleep(time.Hour)
			}
		}
		if delay, ok := cfg.Delays[req.Method]; ok {
			time.Sleep(delay)
		}
		// notifications carry no id
		if len(req.ID) == 0 {
			continue
		}
		if cfg.Malformed {
			if _, err := out.Write([]byte("this is not valid json\n")); err != nil {
				return err
			}
			continue
		}

		resp := rpcResponse{ID: req.ID}
		if rpcErr, ok := cfg.Errors[req.Method]; ok {
			resp.Error = &rpcErr
		} else {
			switch req.Method {
			case "initialize":
				resp.Result = initializeResult{
					ProtocolVersion: ProtocolVersion,
					ServerInfo:      serverInfo{Name: nonEmpty(cfg.Name, "fake-server"), Version: nonEmpty(cfg.Version, "1.0.0")},
					Capabilities:    map[string]any{"tools": map[string]any{}},
				}
			case "tools/list":
				tools := cfg.Tools
				if tools == nil {
					tools = []Tool{}
				}
				for i := range tools {
					if tools[i].InputSchema == nil {
						tools[i].InputSchema = map[string]any{"type": "object"}
					}
				}
				resp.Result = toolsListResult{Tools: tools}
			case "ping":
				resp.Result = map[string]any{}
			default:
				resp.Error = &JSONRPCError{Code: -32601, Message: "Method not found"}
			}
		}
		if err := write(out, resp); err != nil {
			return err
		}
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
