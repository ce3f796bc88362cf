package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/mcdev12/questsync/go/internal/teamsync"
)

const helpText = `commands:
  vote <point> <answer>     answer is text, a number or a JSON list
  votes <point>             show votes for a task
  consensus <point>         show the agreed answer, if any
  clear <point>             forget votes for a finalized task
  chat [@team] <message>    message every team or one team
  urgent [@team] <message>  same as chat, flagged urgent
  loc <lat> <lng>           update position and announce presence
  share <lat> <lng>         share the team position with the game
  solving on|off            toggle solving status
  retire                    retire this device
  members                   list active teammates
  locations                 list shared team positions
  quit`

// console drives a Service from line commands and prints what it observes.
// Writes from subscriber callbacks and the command loop are serialized.
type console struct {
	svc    *teamsync.Service
	config *Config

	mu          sync.Mutex
	out         io.Writer
	lastMembers int
}

func newConsole(svc *teamsync.Service, config *Config, out io.Writer) *console {
	return &console{svc: svc, config: config, out: out, lastMembers: -1}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// watch subscribes to chat and member changes. The returned func unsubscribes.
func (c *console) watch() func() {
	teamID := c.config.Game.TeamID
	unsubChat := c.svc.SubscribeToChat(func(m teamsync.ChatMessage) {
		if teamID != "" && !m.IsFor(teamID) {
			return
		}
		flag := ""
		if m.IsUrgent {
			flag = " [urgent]"
		}
		c.printf("%s%s: %s", m.Sender, flag, m.Message)
	})

	unsubMembers := c.svc.SubscribeToMembers(func(members []teamsync.TeamMember) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(members) == c.lastMembers {
			return
		}
		c.lastMembers = len(members)
		fmt.Fprintf(c.out, "%d teammate(s) online\n", len(members))
	})

	return func() {
		unsubChat()
		unsubMembers()
	}
}

// run reads commands from in until quit, EOF or ctx is done
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if quit := c.exec(line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the loop should stop
func (c *console) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		c.printf("%s", helpText)
	case "vote":
		err = c.vote(args)
	case "votes":
		err = c.votes(args)
	case "consensus":
		err = c.consensus(args)
	case "clear":
		if len(args) != 1 {
			err = fmt.Errorf("usage: clear <point>")
			break
		}
		c.svc.ClearTask(args[0])
	case "chat", "urgent":
		err = c.chat(args, cmd == "urgent")
	case "loc":
		err = c.location(args)
	case "share":
		err = c.share(args)
	case "solving":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			err = fmt.Errorf("usage: solving on|off")
			break
		}
		err = c.svc.UpdateStatus(args[0] == "on")
	case "retire":
		err = c.svc.UpdateRetired(true)
	case "members":
		for _, m := range c.svc.Members() {
			c.printf("%s (%s)%s", m.UserName, m.DeviceID, memberFlags(m))
		}
	case "locations":
		for _, e := range c.svc.GlobalLocations() {
			c.printf("%s %s %.5f,%.5f", e.TeamID, e.Name, e.Location.Lat, e.Location.Lng)
		}
	default:
		err = fmt.Errorf("unknown command %q, try help", cmd)
	}

	if err != nil {
		c.printf("error: %v", err)
	}
	return false
}

func (c *console) vote(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: vote <point> <answer>")
	}
	answer := parseAnswer(strings.Join(args[1:], " "))
	if err := c.svc.CastVote(args[0], answer); err != nil {
		return err
	}
	c.printf("voted %s on %s", answer, args[0])
	return nil
}

func (c *console) votes(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: votes <point>")
	}
	votes := c.svc.GetVotesForTask(args[0])
	if len(votes) == 0 {
		c.printf("no votes on %s", args[0])
	}
	for _, v := range votes {
		c.printf("%s: %s", v.UserName, v.Answer)
	}
	return nil
}

func (c *console) consensus(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: consensus <point>")
	}
	if answer, ok := c.svc.TeamConsensus(args[0]); ok {
		c.printf("consensus on %s: %s", args[0], answer)
	} else {
		c.printf("no consensus on %s", args[0])
	}
	return nil
}

func (c *console) chat(args []string, urgent bool) error {
	var target *string
	if len(args) > 0 && strings.HasPrefix(args[0], "@") {
		team := strings.TrimPrefix(args[0], "@")
		target = &team
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: chat [@team] <message>")
	}
	_, err := c.svc.SendChatMessage(c.config.Game.ID, strings.Join(args, " "), target, urgent)
	return err
}

func (c *console) location(args []string) error {
	coord, err := parseCoordinate(args)
	if err != nil {
		return err
	}
	c.svc.UpdateLocation(coord)
	return c.svc.SendPresence()
}

func (c *console) share(args []string) error {
	coord, err := parseCoordinate(args)
	if err != nil {
		return err
	}
	if c.config.Game.TeamID == "" {
		return fmt.Errorf("no team configured")
	}
	return c.svc.BroadcastGlobalLocation(c.config.Game.ID, c.config.Game.TeamID, c.config.Game.Team, coord, "")
}

// parseAnswer accepts the wire forms of an answer (number, quoted string,
// JSON list) and falls back to plain text.
func parseAnswer(raw string) teamsync.Answer {
	var answer teamsync.Answer
	if err := json.Unmarshal([]byte(raw), &answer); err == nil {
		return answer
	}
	return teamsync.TextAnswer(raw)
}

func parseCoordinate(args []string) (teamsync.Coordinate, error) {
	if len(args) != 2 {
		return teamsync.Coordinate{}, fmt.Errorf("expected <lat> <lng>")
	}
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return teamsync.Coordinate{}, fmt.Errorf("invalid latitude %q", args[0])
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return teamsync.Coordinate{}, fmt.Errorf("invalid longitude %q", args[1])
	}
	return teamsync.Coordinate{Lat: lat, Lng: lng}, nil
}

func memberFlags(m teamsync.TeamMember) string {
	var flags []string
	if m.Role != "" {
		flags = append(flags, m.Role)
	}
	if m.IsSolving {
		flags = append(flags, "solving")
	}
	if m.IsRetired {
		flags = append(flags, "retired")
	}
	if len(flags) == 0 {
		return ""
	}
	return " [" + strings.Join(flags, ", ") + "]"
}
