package hub

import (
	"strconv"
	"strings"

	"github.com/hearth-chat/hearth/internal/protocol"
)

const errUnknownCommand = "Unknown command"

type command struct {
	usage string
	args  int
	run   func(h *Hub, c *Client, args []string)
}

var commands = map[string]command{
	"/timeout": {
		usage: "/timeout <user> <duration>",
		args:  2,
		run: func(h *Hub, c *Client, args []string) {
			seconds, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				c.deliver(protocol.Error(errInvalidDuration))
				return
			}
			h.timeoutUser(c, args[0], seconds)
		},
	},
	"/ban": {
		usage: "/ban <user>",
		args:  1,
		run: func(h *Hub, c *Client, args []string) {
			h.banUser(c, args[0])
		},
	},
	"/unban": {
		usage: "/unban <user>",
		args:  1,
		run: func(h *Hub, c *Client, args []string) {
			h.unbanUser(c, args[0])
		},
	},
	"/role": {
		usage: "/role <user> <role>",
		args:  2,
		run: func(h *Hub, c *Client, args []string) {
			h.assignRole(c, args[0], args[1])
		},
	},
	"/removerole": {
		usage: "/removerole <user> <role>",
		args:  2,
		run: func(h *Hub, c *Client, args []string) {
			h.removeRole(c, args[0], args[1])
		},
	},
}

// runCommand handles a send_message body starting with "/". Commands are
// never persisted. Known commands are moderator-only and share requireMod
// with the equivalent frames.
func (h *Hub) runCommand(c *Client, body string) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		c.deliver(protocol.Error(errUnknownCommand))
		return
	}
	cmd, ok := commands[fields[0]]
	if !ok {
		c.deliver(protocol.Error(errUnknownCommand))
		return
	}
	if !h.requireMod(c) {
		return
	}
	args := fields[1:]
	if len(args) < cmd.args {
		c.deliver(protocol.Error("Invalid command format (" + cmd.usage + ")"))
		return
	}
	cmd.run(h, c, args)
}
