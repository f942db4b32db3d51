// Package command implements the uuid_audio_stream command surface: a
// single verb with space-separated tokens, dispatched onto the supervisor.
// Commands are fire-and-forget; failures past validation are delivered as
// host events, not command replies.
package command

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/audiowire/audiowire/pkg/audio"
	"github.com/audiowire/audiowire/pkg/supervisor"
)

// Replies written back to the command issuer.
const (
	ReplyOK  = "+OK Success"
	ReplyErr = "-ERR Operation Failed"
)

// Syntax documents the accepted command forms.
const Syntax = "<call-uuid> <stream-id> [start | stop | send_text | pause | resume | graceful-shutdown] " +
	"[wss-url] [inbound | outbound | both] [8000 | 8k | 16000 | 16k | ...] [timeout] [bidi] [l16 | mulaw] [metadata]"

// Dispatcher parses command lines and drives the supervisor.
type Dispatcher struct {
	sup *supervisor.Supervisor

	// CallRate resolves the active codec rate of a call. When nil every
	// call is assumed to run at 8 kHz.
	CallRate func(callID string) int
}

// NewDispatcher creates a dispatcher over the given supervisor.
func NewDispatcher(sup *supervisor.Supervisor) *Dispatcher {
	return &Dispatcher{sup: sup}
}

// Execute runs one command line and returns the reply text.
func (d *Dispatcher) Execute(line string) string {
	args := strings.Fields(line)
	if len(args) < 3 {
		return "-USAGE: " + Syntax
	}

	callID, streamID := args[0], args[1]
	verb := strings.ToLower(args[2])
	rest := args[3:]

	var err error
	switch verb {
	case "start":
		if len(rest) < 5 {
			return "-USAGE: " + Syntax
		}
		err = d.start(callID, streamID, rest)

	case "stop":
		err = d.sup.Stop(callID, streamID, optionalReason(rest))

	case "pause":
		err = d.sup.Pause(callID, streamID)

	case "resume":
		err = d.sup.Resume(callID, streamID)

	case "graceful-shutdown":
		err = d.sup.GracefulShutdown(callID, streamID, optionalReason(rest))

	case "send_text":
		if len(rest) < 1 {
			log.Printf("[Command] send_text requires an argument specifying text to send")
			return ReplyErr
		}
		err = d.sup.SendText(callID, streamID, strings.Join(rest, " "))

	default:
		err = fmt.Errorf("command: unsupported verb %q", verb)
	}

	if err != nil {
		log.Printf("[Command] %s %s %s failed: %v", callID, streamID, verb, err)
		return ReplyErr
	}
	return ReplyOK
}

func optionalReason(rest []string) string {
	if len(rest) == 0 {
		return ""
	}
	return strings.Join(rest, " ")
}

// start parses: <url> <track> <rate> <timeout> <bidi> [l16|mulaw] [metadata]
func (d *Dispatcher) start(callID, streamID string, args []string) error {
	rawURL, track := args[0], args[1]

	switch track {
	case "inbound", "outbound", "both":
	default:
		return fmt.Errorf("command: invalid track type %q, must be inbound, outbound, or both", track)
	}

	rate, err := parseRate(args[2])
	if err != nil {
		return err
	}

	timeoutSecs, err := strconv.Atoi(args[3])
	if err != nil || timeoutSecs < 0 {
		return fmt.Errorf("command: invalid timeout %q", args[3])
	}

	var bidi bool
	switch args[4] {
	case "0":
	case "1":
		bidi = true
	default:
		return fmt.Errorf("command: invalid bidirectional flag %q, must be 0 or 1", args[4])
	}

	codec := audio.CodecL16
	rest := args[5:]
	if len(rest) > 0 {
		switch rest[0] {
		case "l16":
			rest = rest[1:]
		case "mulaw":
			codec = audio.CodecULaw
			rest = rest[1:]
		}
	}

	metadata := strings.Join(rest, " ")

	callRate := 8000
	if d.CallRate != nil {
		if r := d.CallRate(callID); r > 0 {
			callRate = r
		}
	}

	return d.sup.StartStream(supervisor.StartParams{
		CallID:        callID,
		StreamID:      streamID,
		ServiceURL:    rawURL,
		Track:         track,
		Codec:         codec,
		CallRate:      callRate,
		WireRate:      rate,
		Timeout:       time.Duration(timeoutSecs) * time.Second,
		Bidirectional: bidi,
		Metadata:      metadata,
	})
}

// parseRate accepts an integer rate or the 8k/16k shorthands. The rate must
// be a positive multiple of 8000.
func parseRate(s string) (int, error) {
	var rate int
	switch strings.ToLower(s) {
	case "8k":
		rate = 8000
	case "16k":
		rate = 16000
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("command: invalid sample rate %q", s)
		}
		rate = n
	}
	if rate <= 0 || rate%8000 != 0 {
		return 0, fmt.Errorf("command: invalid sample rate %d, must be a positive multiple of 8000", rate)
	}
	return rate, nil
}
