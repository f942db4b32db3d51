// Command audiowire is an interactive console around the streaming engine:
// it reads uuid_audio_stream command lines from stdin, dispatches them and
// prints the reply, while host events are logged as they arrive.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/audiowire/audiowire/pkg/command"
	"github.com/audiowire/audiowire/pkg/events"
	"github.com/audiowire/audiowire/pkg/supervisor"
	"github.com/audiowire/audiowire/pkg/trace"
)

func main() {
	godotenv.Load()

	ctx := context.Background()
	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer trace.Shutdown(ctx)

	sv := supervisor.New(supervisor.FromEnv(), events.FuncPublisher(func(event, payload string) {
		log.Printf("[Event] %s %s", event, payload)
	}))
	defer sv.Shutdown()

	d := command.NewDispatcher(sv)

	fmt.Println("audiowire console, one command per line (exit to quit)")
	fmt.Println("usage: " + command.Syntax)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		fmt.Println(d.Execute(line))
	}
}
