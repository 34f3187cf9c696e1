package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/HsiangNianian/AMonItor/bridge/internal/automation"
)

const interactiveChat = "interactive-mock-chat"

const interactiveHelp = `commands:
  <text>                    send text as an inbound message on the default chat
  /event <msgType> <text>   send with an explicit message type (text|image|file|system)
  /chat <who> <text>        send on another listened chat
  /help                     show this help
  /quit                     exit`

// runInteractive turns each input line into a message injected into the
// loopback engine, until /quit or EOF.
func runInteractive(in io.Reader, out io.Writer, engine *automation.Loopback, chat string, quit func()) {
	fmt.Fprintln(out, interactiveHelp)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		who, msgType, text, cmd := parseLine(line, chat)
		switch cmd {
		case "quit":
			quit()
			return
		case "help":
			fmt.Fprintln(out, interactiveHelp)
			continue
		case "invalid":
			fmt.Fprintf(out, "unrecognised input: %s\n", line)
			continue
		}
		if !engine.Inject(who, msgType, text) {
			fmt.Fprintf(out, "nobody listens on %s\n", who)
			continue
		}
		fmt.Fprintf(out, "[event] chat=%s type=%s content=%s\n", who, msgType, text)
	}
	quit()
}

// parseLine returns the target chat, message type and text for line, or a
// control command: quit, help or invalid.
func parseLine(line, chat string) (who, msgType, text, cmd string) {
	if !strings.HasPrefix(line, "/") {
		return chat, "text", line, ""
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return "", "", "", "quit"
	case "/help":
		return "", "", "", "help"
	case "/event":
		if len(fields) < 3 {
			return "", "", "", "invalid"
		}
		return chat, fields[1], strings.Join(fields[2:], " "), ""
	case "/chat":
		if len(fields) < 3 {
			return "", "", "", "invalid"
		}
		return fields[1], "text", strings.Join(fields[2:], " "), ""
	}
	return "", "", "", "invalid"
}
