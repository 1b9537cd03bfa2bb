package main

import (
	"context"
	"errors"
	"github.com/abiosoft/ishell/v2"
	"github.com/edup2p/caprpc/ez"
	"github.com/edup2p/caprpc/rpc"
	"github.com/edup2p/caprpc/server/demo"
	"github.com/edup2p/caprpc/types"
	"log/slog"
	"os"
	"strings"
	"time"
)

var (
	programLevel = new(slog.LevelVar) // Info by default

	client *ez.Client

	// imported capabilities, by the name they were restored with
	caps = make(map[string]*rpc.Client)
)

const callTimeout = 10 * time.Second

var errNotConnected = errors.New("not connected, use 'dial' first")

func main() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))
	programLevel.Set(slog.LevelInfo)

	shell := ishell.New()

	shell.SetHomeHistoryPath(".caprpc_history")

	shell.Println("caprpc Interactive Shell")

	shell.AddCmd(&ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace, logging every rpc message",
		Func: func(c *ishell.Context) {
			programLevel.Set(types.LevelTrace)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelDebug)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelInfo)
		},
	})

	shell.AddCmd(dialCmd())
	shell.AddCmd(closeCmd())
	shell.AddCmd(importCmd())
	shell.AddCmd(releaseCmd())
	shell.AddCmd(capsCmd())
	shell.AddCmd(echoCmd())
	shell.AddCmd(countCmd())
	shell.AddCmd(statsCmd())

	shell.Run()

	closeClient()
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

func closeClient() {
	for _, name := range types.SortedKeys(caps) {
		caps[name].Release()
	}
	clear(caps)

	if client != nil {
		_ = client.Close()
		client = nil
	}
}

func dialCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "dial",
		Help: "connect to a sturdy ref, such as capnp://127.0.0.1:4000/echo, ws://127.0.0.1:8080/counter or http://127.0.0.1:8080/echo",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: dial <ref>"))
				return
			}

			closeClient()

			ctx, cancel := callCtx()
			defer cancel()

			cl, err := ez.Dial(ctx, c.Args[0], nil)
			if err != nil {
				c.Err(err)
				return
			}
			client = cl

			c.Println("connected:", cl.Ref(), "conn", cl.Conn().ID())

			if name := cl.Ref().Name; name != "" {
				importName(c, name)
			}
		},
	}
}

func closeCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "close",
		Help: "close the connection",
		Func: func(c *ishell.Context) {
			closeClient()
		},
	}
}

func importName(c *ishell.Context, name string) {
	if client == nil {
		c.Err(errNotConnected)
		return
	}

	ctx, cancel := callCtx()
	defer cancel()

	ic, err := client.ImportCap(ctx, name)
	if err != nil {
		c.Err(err)
		return
	}

	caps[name].Release()
	caps[name] = ic

	c.Println("imported", name, "as", ic)
}

func importCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "import",
		Help: "restore a named object on the peer, the bootstrap capability if no name is given",
		Func: func(c *ishell.Context) {
			name := ""
			if len(c.Args) > 0 {
				name = c.Args[0]
			}

			importName(c, name)
		},
	}
}

func releaseCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "release",
		Help: "release an imported capability",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: release <name>"))
				return
			}

			ic, ok := caps[c.Args[0]]
			if !ok {
				c.Err(errors.New("no such capability"))
				return
			}

			ic.Release()
			delete(caps, c.Args[0])
		},
	}
}

func capsCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "caps",
		Help: "list imported capabilities",
		Func: func(c *ishell.Context) {
			for _, name := range types.SortedKeys(caps) {
				c.Printf("%q: %s\n", name, caps[name])
			}
		},
	}
}

func getCap(c *ishell.Context, name string) *rpc.Client {
	ic, ok := caps[name]
	if !ok {
		c.Err(errors.New("not imported: " + name))
		return nil
	}
	return ic
}

func echoCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "echo",
		Help: "call the echo object, usage: echo <text...>",
		Func: func(c *ishell.Context) {
			ic := getCap(c, demo.EchoName)
			if ic == nil {
				return
			}

			ctx, cancel := callCtx()
			defer cancel()

			s, err := demo.Echo(ctx, ic, strings.Join(c.Args, " "))
			if err != nil {
				c.Err(err)
				return
			}

			c.Println(s)
		},
	}
}

func countCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "count",
		Help: "call the counter object",
	}

	for name, m := range map[string]rpc.Method{
		"next":  demo.CounterNext,
		"get":   demo.CounterGet,
		"reset": demo.CounterReset,
	} {
		m := m
		c.AddCmd(&ishell.Cmd{
			Name: name,
			Help: name + " the counter",
			Func: func(c *ishell.Context) {
				ic := getCap(c, demo.CounterName)
				if ic == nil {
					return
				}

				ctx, cancel := callCtx()
				defer cancel()

				n, err := demo.Count(ctx, ic, m)
				if err != nil {
					c.Err(err)
					return
				}

				c.Println(n)
			},
		})
	}

	return c
}

func statsCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "stats",
		Help: "show the connection tables",
		Func: func(c *ishell.Context) {
			if client == nil {
				c.Err(errNotConnected)
				return
			}

			ctx, cancel := callCtx()
			defer cancel()

			st, err := client.Conn().Stats(ctx)
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("questions:", st.Questions)
			c.Println("answers:", st.Answers)
			c.Println("imports:", st.Imports)
			for _, id := range types.SortedKeys(st.Exports) {
				c.Printf("export %d: %d references\n", id, st.Exports[id])
			}
		},
	}
}
