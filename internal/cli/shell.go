// Package cli is the line-oriented front end of campusctl.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"campus-chat/internal/models"
	"campus-chat/internal/realtime"
	"campus-chat/internal/session"
	"campus-chat/internal/timeline"
	"campus-chat/internal/voice"
)

var errUsage = errors.New("usage")

// VoiceState exposes the mesh snapshot for /voice status.
type VoiceState interface {
	Snapshot() voice.ChannelState
}

// Shell reads commands and prints timeline and voice events.
type Shell struct {
	core    *realtime.Core
	store   *timeline.Store
	session *session.Session
	voice   VoiceState
	log     zerolog.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewShell builds a Shell and subscribes it to core events.
func NewShell(core *realtime.Core, store *timeline.Store, sess *session.Session, vs VoiceState, out io.Writer, log zerolog.Logger) *Shell {
	s := &Shell{core: core, store: store, session: sess, voice: vs, out: out, log: log}
	core.OnEvent(s.PrintEvent)
	return s
}

// Run executes commands from in until /quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.Exec(ctx, line)
			if err != nil {
				s.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Exec runs one command line. Lines without a leading slash are sent to the
// active room.
func (s *Shell) Exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, s.send(line, nil)
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		s.printf("%s", helpText)
	case "room":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /room <id>", errUsage)
		}
		if err := s.core.SwitchRoom(ctx, args[0]); err != nil {
			return false, err
		}
		s.printTimeline(args[0])
	case "send":
		return false, s.send(rest, nil)
	case "media":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: /media <url> <type> [caption]", errUsage)
		}
		caption := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(rest, args[0]), " "+args[1]))
		return false, s.send(caption, &models.MediaRef{URL: args[0], Type: args[1]})
	case "older":
		page, err := s.core.LoadOlder(ctx)
		if err != nil {
			return false, err
		}
		s.printf("loaded %d older messages (more: %t)\n", page.Added, page.HasMore)
	case "history":
		s.printTimeline(s.session.ActiveRoom())
	case "retry":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: /retry <client-id>", errUsage)
		}
		if _, err := s.core.Retry(args[0]); err != nil {
			return false, err
		}
	case "pending":
		for _, m := range s.store.Pending() {
			s.printf("%s %s\n", m.CorrelationID, m.Content)
		}
	case "unread":
		s.printUnread()
	case "mute":
		room := s.session.ActiveRoom()
		if len(args) == 1 {
			room = args[0]
		}
		if room == "" {
			return false, timeline.ErrNoActiveRoom
		}
		muted, err := s.session.ToggleMute(ctx, room)
		if err != nil {
			return false, err
		}
		s.printf("%s muted: %t\n", room, muted)
	case "pin":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return false, fmt.Errorf("%w: /pin on|off", errUsage)
		}
		s.session.SetPinned(args[0] == "on")
	case "note":
		return false, s.note(ctx, rest)
	case "sticky":
		return false, s.sticky(ctx, args, rest)
	case "voice":
		return false, s.voiceCmd(ctx, args)
	case "cam":
		on, err := s.core.ToggleCamera(ctx)
		if err != nil {
			return false, err
		}
		s.printf("camera: %s\n", onOff(on))
	case "mic":
		s.printf("mic: %s\n", onOff(s.core.ToggleMic()))
	default:
		return false, fmt.Errorf("unknown command /%s, try /help", cmd)
	}
	return false, nil
}

func (s *Shell) send(text string, media *models.MediaRef) error {
	if text == "" && media == nil {
		return fmt.Errorf("%w: /send <text>", errUsage)
	}
	_, err := s.core.Send(text, media)
	return err
}

func (s *Shell) note(ctx context.Context, text string) error {
	room := s.session.ActiveRoom()
	if room == "" {
		return timeline.ErrNoActiveRoom
	}
	if text == "" {
		note, err := s.session.RoomNote(ctx, room)
		if err != nil {
			return err
		}
		s.printf("note: %s\n", note)
		return nil
	}
	if text == "-" {
		text = ""
	}
	return s.session.SetRoomNote(ctx, room, text)
}

func (s *Shell) sticky(ctx context.Context, args []string, rest string) error {
	if len(args) == 0 || args[0] == "list" {
		stickies, err := s.session.Stickies(ctx)
		if err != nil {
			return err
		}
		for _, st := range stickies {
			s.printf("%s [%s] %s\n", st.ID, st.Color, st.Content)
		}
		return nil
	}
	switch args[0] {
	case "add":
		content := strings.TrimSpace(strings.TrimPrefix(rest, "add"))
		if content == "" {
			return fmt.Errorf("%w: /sticky add <text>", errUsage)
		}
		st, err := s.session.AddSticky(ctx, content, "")
		if err != nil {
			return err
		}
		s.printf("sticky %s added\n", st.ID)
		return nil
	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("%w: /sticky rm <id>", errUsage)
		}
		return s.session.RemoveSticky(ctx, args[1])
	default:
		return fmt.Errorf("%w: /sticky [list|add <text>|rm <id>]", errUsage)
	}
}

func (s *Shell) voiceCmd(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: /voice join|leave|status", errUsage)
	}
	switch args[0] {
	case "join":
		return s.core.JoinVoice(ctx)
	case "leave":
		return s.core.LeaveVoice()
	case "status":
		s.printVoice()
		return nil
	default:
		return fmt.Errorf("%w: /voice join|leave|status", errUsage)
	}
}

// PrintEvent renders one core event.
func (s *Shell) PrintEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventMessage:
		if ev.RoomID != s.session.ActiveRoom() {
			if ev.Effect.Notify {
				s.printf("* %d unread in %s\n", ev.Effect.Unread, ev.RoomID)
			}
			return
		}
		s.printf("%s\n", formatMessage(ev.Message))
	case realtime.EventSeen:
		s.log.Debug().Str("room", ev.RoomID).Msg("seen marker moved")
	case realtime.EventVoice:
		s.log.Debug().Str("room", ev.RoomID).Msg("voice state changed")
	case realtime.EventError:
		s.printf("! %v\n", ev.Err)
	}
}

func (s *Shell) printTimeline(roomID string) {
	if roomID == "" {
		s.printf("no room open\n")
		return
	}
	for _, m := range s.store.Messages(roomID) {
		s.printf("%s\n", formatMessage(m))
	}
}

func (s *Shell) printUnread() {
	rooms := s.core.Followed()
	sort.Strings(rooms)
	for _, room := range rooms {
		state := s.session.Room(room)
		mark := ""
		if state.Muted {
			mark = " (muted)"
		}
		s.printf("%s: %d%s\n", room, state.Unread, mark)
	}
}

func (s *Shell) printVoice() {
	if s.voice == nil {
		return
	}
	state := s.voice.Snapshot()
	if !state.Joined {
		s.printf("voice: not joined\n")
		return
	}
	s.printf("voice %s: mic %s, camera %s, members %s\n", state.RoomID, onOff(state.MicOn), onOff(state.CameraOn), strings.Join(state.Members, ","))
	for _, p := range state.Peers {
		s.printf("  %s %s\n", p.PeerID, p.State)
	}
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func formatMessage(m timeline.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.Timestamp.Local().Format("15:04"), m.SenderName, m.Content)
	if m.Media != nil {
		fmt.Fprintf(&b, " <%s %s>", m.Media.Type, m.Media.URL)
	}
	switch m.Status {
	case timeline.StatusPending:
		b.WriteString(" (sending)")
	case timeline.StatusFailed:
		fmt.Fprintf(&b, " (failed, /retry %s)", m.CorrelationID)
	}
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

const helpText = `commands:
  /room <id>                 open a room
  <text> | /send <text>      send to the open room
  /media <url> <type> [text] send an attachment
  /older                     load older history
  /history                   print the open room
  /retry <client-id>         resend a failed message
  /pending                   list unacknowledged sends
  /unread                    unread counts of followed rooms
  /mute [room]               toggle mute
  /pin on|off                follow new messages
  /note [text|-]             show, set or clear the room note
  /sticky [list|add|rm]      sticky notes
  /voice join|leave|status   voice channel of the open room
  /cam, /mic                 toggle camera or microphone
  /quit
`
