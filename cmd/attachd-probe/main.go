// attachd-probe validates the attach handshake against a running daemon:
// connect, expect `connected`, send `attach_session`, expect
// `attach_result`. Exit status 0 means the handshake completed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"attachd/pkg/protocol"
	"attachd/pkg/transport"
	"attachd/pkg/transport/ws"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:16790", "daemon address (host:port or ws:// URL)")
	sessionID := flag.String("session", "verification-test", "session id to attach")
	timeout := flag.Duration("timeout", 2*time.Second, "per-step timeout")
	detach := flag.Bool("detach", false, "detach again after a successful attach")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := ws.New(ws.Options{HandshakeTimeout: *timeout})
	dctx, dcancel := context.WithTimeout(ctx, *timeout)
	conn, err := tr.Dial(dctx, *addr)
	dcancel()
	if err != nil {
		fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	msg := receive(ctx, conn, *timeout)
	if _, ok := msg.(protocol.Connected); !ok {
		fatalf("expected connected event first, got %q", msg.MessageType())
	}
	fmt.Printf("connected event: %s\n", protocol.Encode(msg))

	if err := conn.Send(protocol.Encode(protocol.NewAttachRequest(*sessionID))); err != nil {
		fatalf("send attach_session: %v", err)
	}

	res, ok := receive(ctx, conn, *timeout).(protocol.AttachResult)
	if !ok {
		fatalf("expected attach_result")
	}
	fmt.Printf("attach result: %s\n", protocol.Encode(res))
	if !res.OK {
		fatalf("attach rejected: %s", res.Reason)
	}

	if *detach {
		if err := conn.Send(protocol.Encode(protocol.NewDetachRequest(*sessionID))); err != nil {
			fatalf("send detach_session: %v", err)
		}
		det, ok := receive(ctx, conn, *timeout).(protocol.DetachResult)
		if !ok || !det.OK {
			fatalf("detach failed: %s", protocol.Encode(det))
		}
		fmt.Printf("detach result: %s\n", protocol.Encode(det))
	}
}

func receive(ctx context.Context, conn transport.Conn, timeout time.Duration) protocol.Message {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := conn.Receive(rctx)
	if err != nil {
		fatalf("receive: %v", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		fatalf("decode: %v", err)
	}
	return msg
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
