package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mpataki/journey/internal/dispatch"
	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/orchestrator"
)

type View int

const (
	ViewSessionList View = iota
	ViewNewSession
	ViewSession
	ViewTranscript
)

const (
	eventBuffer = 256
	activityMax = 8
)

// live is the console's attachment to a running session.
type live struct {
	session     *orchestrator.Session
	events      chan events.Event
	done        chan struct{}
	unsubscribe func()
	turns       []string
	activity    []string
}

type App struct {
	orchestrator *orchestrator.Orchestrator

	view        View
	sessions    []*models.Session
	journeys    []*models.Journey
	selectedIdx int
	journeyIdx  int

	live       *live
	input      textinput.Model
	transcript viewport.Model
	notice     string

	width  int
	height int
	err    error
}

func NewApp(orch *orchestrator.Orchestrator) *App {
	input := textinput.New()
	input.Placeholder = "say something, or /help"
	input.CharLimit = 500

	return &App{
		orchestrator: orch,
		journeys:     orch.Journeys(),
		view:         ViewSessionList,
		input:        input,
		transcript:   viewport.New(80, 10),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadSessions, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		return a, nil

	case sessionsLoadedMsg:
		a.sessions = msg.sessions
		a.err = msg.err
		if a.selectedIdx >= len(a.sessions) {
			a.selectedIdx = max(0, len(a.sessions)-1)
		}
		return a, nil

	case tickMsg:
		if a.view == ViewSessionList {
			return a, tea.Batch(a.loadSessions, a.tickCmd())
		}
		return a, a.tickCmd()

	case sessionStartedMsg:
		a.err = msg.err
		if msg.session == nil {
			return a, nil
		}
		a.attach(msg.session)
		return a, a.waitForEvent()

	case eventMsg:
		if a.live == nil {
			return a, nil
		}
		a.applyEvent(msg.event)
		return a, a.waitForEvent()

	case signalDoneMsg:
		a.err = msg.err
		if msg.err == nil && msg.result != "" {
			a.notice = msg.result
		}
		return a, nil

	case transcriptLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.transcript.SetContent(msg.content)
		a.transcript.GotoTop()
		a.view = ViewTranscript
		return a, nil

	case sessionDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.sessions)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadSessions
	}

	return a, nil
}

func (a *App) resize() {
	a.input.Width = max(20, a.width-4)
	a.transcript.Width = max(20, a.width-2)
	a.transcript.Height = max(5, a.height/3)
	if a.view == ViewTranscript {
		a.transcript.Height = max(5, a.height-4)
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewSessionList:
		return a.handleSessionListKey(msg)
	case ViewNewSession:
		return a.handleNewSessionKey(msg)
	case ViewSession:
		return a.handleSessionKey(msg)
	case ViewTranscript:
		return a.handleTranscriptKey(msg)
	}
	return a, nil
}

func (a *App) handleSessionListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.sessions)-1 {
			a.selectedIdx++
		}

	case "enter", "t":
		if len(a.sessions) > 0 && a.selectedIdx < len(a.sessions) {
			return a, a.loadTranscript(a.sessions[a.selectedIdx].ID)
		}

	case "n":
		a.journeys = a.orchestrator.Journeys()
		a.journeyIdx = 0
		a.view = ViewNewSession

	case "r":
		return a, a.loadSessions

	case "d":
		if len(a.sessions) > 0 && a.selectedIdx < len(a.sessions) {
			return a, a.deleteSession(a.sessions[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleNewSessionKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.view = ViewSessionList

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.journeyIdx > 0 {
			a.journeyIdx--
		}

	case "down", "j":
		if a.journeyIdx < len(a.journeys)-1 {
			a.journeyIdx++
		}

	case "enter", "v":
		if len(a.journeys) > 0 && a.journeyIdx < len(a.journeys) {
			return a, a.startSession(a.journeys[a.journeyIdx].ID, msg.String() == "v")
		}
	}

	return a, nil
}

func (a *App) handleSessionKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		a.detach()
		return a, tea.Quit

	case "esc":
		a.detach()
		a.view = ViewSessionList
		return a, a.loadSessions

	case "pgup", "pgdown":
		var cmd tea.Cmd
		a.transcript, cmd = a.transcript.Update(msg)
		return a, cmd

	case "enter":
		line := a.input.Value()
		a.input.SetValue("")
		if line == "/help" {
			a.notice = consoleHelp
			return a, nil
		}
		sig, err := parseInput(line)
		if err != nil {
			a.err = err
			return a, nil
		}
		a.err = nil
		return a, a.sendSignal(sig)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) handleTranscriptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewSessionList
		a.resize()
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.transcript, cmd = a.transcript.Update(msg)
	return a, cmd
}

func (a *App) attach(s *orchestrator.Session) {
	l := &live{session: s, events: make(chan events.Event, eventBuffer), done: make(chan struct{})}
	l.unsubscribe = s.Subscribe(func(e events.Event) {
		select {
		case l.events <- e:
		default:
		}
	})
	a.live = l
	a.notice = ""
	a.transcript.SetContent("")
	a.input.Focus()
	a.view = ViewSession
	a.resize()
}

// detach closes the live session; its history stays in the list.
func (a *App) detach() {
	if a.live == nil {
		return
	}
	a.live.unsubscribe()
	close(a.live.done)
	a.live.session.Close()
	a.live = nil
	a.input.Blur()
}

func (a *App) applyEvent(e events.Event) {
	l := a.live
	switch e.Type {
	case events.Transcript:
		l.turns = append(l.turns, formatTurn(e))
		a.transcript.SetContent(joinLines(l.turns))
		a.transcript.GotoBottom()
		return
	case events.Alert:
		a.err = fmt.Errorf("%s", e.String("message"))
	case events.StateChanged:
		return
	}
	l.activity = append(l.activity, formatActivity(e))
	if len(l.activity) > activityMax {
		l.activity = l.activity[len(l.activity)-activityMax:]
	}
}

// Messages

type sessionsLoadedMsg struct {
	sessions []*models.Session
	err      error
}

type sessionStartedMsg struct {
	session *orchestrator.Session
	err     error
}

type eventMsg struct {
	event events.Event
}

type signalDoneMsg struct {
	result string
	err    error
}

type transcriptLoadedMsg struct {
	content string
	err     error
}

type sessionDeletedMsg struct {
	id  string
	err error
}

// Commands

func (a *App) loadSessions() tea.Msg {
	sessions, err := a.orchestrator.ListSessions(20)
	return sessionsLoadedMsg{sessions: sessions, err: err}
}

func (a *App) startSession(journeyID string, withVoice bool) tea.Cmd {
	return func() tea.Msg {
		s, err := a.orchestrator.StartSession(context.Background(), journeyID, withVoice)
		return sessionStartedMsg{session: s, err: err}
	}
}

func (a *App) waitForEvent() tea.Cmd {
	l := a.live
	if l == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case e := <-l.events:
			return eventMsg{event: e}
		case <-l.done:
			return nil
		}
	}
}

func (a *App) sendSignal(sig dispatch.Signal) tea.Cmd {
	s := a.live.session
	return func() tea.Msg {
		result, err := s.Signal(context.Background(), sig)
		return signalDoneMsg{result: result, err: err}
	}
}

func (a *App) loadTranscript(id string) tea.Cmd {
	return func() tea.Msg {
		content, err := a.orchestrator.Transcript(id)
		if err == nil && content == "" {
			content = "(empty transcript)"
		}
		return transcriptLoadedMsg{content: content, err: err}
	}
}

func (a *App) deleteSession(id string) tea.Cmd {
	return func() tea.Msg {
		return sessionDeletedMsg{id: id, err: a.orchestrator.DeleteSession(id)}
	}
}
