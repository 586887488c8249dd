// internal/tui/app.go
//
// This is the participant-facing TUI for fieldlab.
// It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// On start the app runs the profile experiment when no participant id is
// stored, then shows the menu of loaded experiments.

package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/fieldlab/internal/app"
	"github.com/kingrea/fieldlab/internal/config"
	"github.com/kingrea/fieldlab/internal/experiment"
	"github.com/kingrea/fieldlab/internal/session"
)

// appState represents which "screen" we're on
type appState int

const (
	stateMenu  appState = iota // Experiment picker
	stateTrial                 // Running a session
)

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	state   appState
	runtime *app.Runtime

	menu    list.Model
	input   textinput.Model
	session *session.Session

	// queued is started once the profile session completes.
	queued string
	// requested is the experiment passed to WithExperiment; the app quits
	// once it finishes (fieldlab run).
	requested string
	exitAfter bool

	statusMsg string
	err       error

	width  int
	height int
}

// experimentItem implements list.Item for the menu
type experimentItem struct {
	name string
	desc string
}

func (i experimentItem) Title() string       { return i.name }
func (i experimentItem) Description() string { return i.desc }
func (i experimentItem) FilterValue() string { return i.name }

// AppOption customizes App construction.
type AppOption func(*App)

// WithExperiment starts the named experiment right away (after the profile
// if one is required) and quits when it finishes.
func WithExperiment(name string) AppOption {
	return func(a *App) {
		if name = strings.TrimSpace(name); name != "" {
			a.queued = name
			a.requested = name
			a.exitAfter = true
		}
	}
}

// NewApp creates the TUI for an already bootstrapped runtime.
func NewApp(rt *app.Runtime, opts ...AppOption) *App {
	menu := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	menu.Title = "fieldlab · experiments"
	menu.SetShowStatusBar(false)
	menu.SetFilteringEnabled(false)

	input := textinput.New()
	input.CharLimit = 256

	a := &App{
		state:   stateMenu,
		runtime: rt,
		menu:    menu,
		input:   input,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.refreshMenu()

	switch {
	case rt.NeedsProfile():
		if a.queued == config.ProfileExperiment {
			a.queued = ""
		}
		a.startSession(config.ProfileExperiment)
	case a.queued != "":
		next := a.queued
		a.queued = ""
		a.startSession(next)
	}
	return a
}

func (a *App) refreshMenu() {
	var items []list.Item
	if a.runtime.NeedsProfile() {
		items = append(items, experimentItem{name: config.ProfileExperiment, desc: "Set up your participant profile first"})
	} else {
		for _, name := range a.runtime.Experiments() {
			items = append(items, experimentItem{name: name, desc: "Start session"})
		}
		if _, ok := a.runtime.Registry.Get(config.ProfileExperiment); ok {
			items = append(items, experimentItem{name: config.ProfileExperiment, desc: "Update participant profile"})
		}
	}
	a.menu.SetItems(items)
}

// startSession builds the named experiment's timeline and switches to the trial view.
func (a *App) startSession(name string) {
	s, err := a.runtime.NewSession(name)
	if err != nil {
		a.err = err
		a.state = stateMenu
		if name == a.requested {
			a.exitAfter = false
		}
		return
	}
	a.err = nil
	a.session = s
	a.state = stateTrial
	a.statusMsg = ""
	a.prepareInput()
}

func (a *App) prepareInput() {
	a.input.Reset()
	step, ok := a.session.Current()
	if ok && step.Type == experiment.StepSurveyText {
		a.input.Placeholder = step.String("placeholder")
		a.input.Focus()
		return
	}
	a.input.Blur()
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	if a.state == stateTrial && a.input.Focused() {
		return textinput.Blink
	}
	return nil
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.menu.SetSize(max(0, msg.Width-4), max(0, msg.Height-8))
		a.input.Width = max(10, msg.Width-10)
		return a, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return a, tea.Quit
		}
		switch a.state {
		case stateMenu:
			return a.updateMenu(msg)
		case stateTrial:
			return a.updateTrial(msg)
		}
	}

	if a.state == stateMenu {
		var cmd tea.Cmd
		a.menu, cmd = a.menu.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) updateMenu(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		return a, tea.Quit
	case "enter":
		item, ok := a.menu.SelectedItem().(experimentItem)
		if !ok {
			return a, nil
		}
		a.startSession(item.name)
		return a, a.Init()
	}
	var cmd tea.Cmd
	a.menu, cmd = a.menu.Update(msg)
	return a, cmd
}

func (a *App) updateTrial(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		return a.abandonSession()
	}
	step, ok := a.session.Current()
	if !ok {
		return a.finishSession()
	}
	switch step.Type {
	case experiment.StepSurveyText:
		if msg.Type == tea.KeyEnter {
			return a.respond(a.input.Value())
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	case experiment.StepInstructions:
		if msg.Type == tea.KeyEnter || msg.String() == " " {
			return a.respond("")
		}
		return a, nil
	default:
		return a.respond(keyName(msg))
	}
}

func (a *App) respond(response string) (tea.Model, tea.Cmd) {
	if err := a.session.Respond(response); err != nil {
		if errors.Is(err, session.ErrInvalidResponse) {
			a.statusMsg = "Use one of the listed keys."
			return a, nil
		}
		a.err = err
		return a, nil
	}
	a.statusMsg = ""
	if a.session.Done() {
		return a.finishSession()
	}
	a.prepareInput()
	return a, a.Init()
}

func (a *App) finishSession() (tea.Model, tea.Cmd) {
	finished := a.session
	a.session = nil
	a.state = stateMenu
	path, err := a.runtime.Complete(finished)
	if err != nil {
		a.err = err
	} else {
		a.err = nil
		a.statusMsg = fmt.Sprintf("Saved %s data to %s", finished.Experiment, path)
	}
	a.refreshMenu()

	if a.queued != "" && !a.runtime.NeedsProfile() {
		next := a.queued
		a.queued = ""
		a.startSession(next)
		return a, a.Init()
	}
	if a.exitAfter && finished.Experiment == a.requested {
		return a, tea.Quit
	}
	return a, nil
}

func (a *App) abandonSession() (tea.Model, tea.Cmd) {
	if a.session != nil {
		a.runtime.Abandon(a.session)
		a.statusMsg = fmt.Sprintf("%s session abandoned; no data saved.", a.session.Experiment)
	}
	a.session = nil
	a.state = stateMenu
	a.input.Blur()
	if a.exitAfter {
		return a, tea.Quit
	}
	return a, nil
}

// keyName maps key presses to the names used in step choices.
func keyName(msg tea.KeyMsg) string {
	switch msg.Type {
	case tea.KeySpace:
		return "space"
	case tea.KeyEnter:
		return "enter"
	}
	return msg.String()
}

// View renders the current screen.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 80
	}
	var content string
	switch a.state {
	case stateMenu:
		content = a.renderMenu()
	case stateTrial:
		content = a.renderTrial(width)
	}
	return lipgloss.JoinVertical(lipgloss.Left, a.renderHeader(), content, a.renderFooter())
}

func (a *App) renderHeader() string {
	participant := a.runtime.UserID
	if participant == "" {
		participant = "not set"
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Padding(0, 1).
		Render("fieldlab · participant " + participant)
}

func (a *App) renderMenu() string {
	if len(a.menu.Items()) == 0 {
		return lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Padding(1, 2).
			Render("No experiments loaded. Check .fieldlab/logs/fieldlab.log.")
	}
	return a.menu.View()
}

func (a *App) renderTrial(width int) string {
	step, ok := a.session.Current()
	if !ok {
		return ""
	}
	pos, total := a.session.Progress()
	title := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(fmt.Sprintf("%s · step %d of %d", a.session.Experiment, pos, total))

	lines := []string{title, ""}
	if stimulus := step.String("stimulus"); stimulus != "" {
		lines = append(lines, lipgloss.NewStyle().
			Bold(true).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(1, 4).
			Width(max(20, width-6)).
			Align(lipgloss.Center).
			Render(stimulus))
	}
	if prompt := step.String("prompt"); prompt != "" {
		lines = append(lines, prompt)
	}

	hint := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	switch step.Type {
	case experiment.StepSurveyText:
		lines = append(lines, a.input.View(), hint.Render("enter to continue · esc to abandon"))
	case experiment.StepInstructions:
		lines = append(lines, hint.Render("enter to continue · esc to abandon"))
	default:
		if choices := step.Choices(); len(choices) > 0 {
			lines = append(lines, hint.Render("press "+strings.Join(choices, " / ")+" · esc to abandon"))
		} else {
			lines = append(lines, hint.Render("press any key · esc to abandon"))
		}
	}
	return lipgloss.NewStyle().Padding(1, 2).Render(strings.Join(lines, "\n"))
}

func (a *App) renderFooter() string {
	var parts []string
	if len(a.runtime.Failed) > 0 {
		parts = append(parts, lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5C07B")).
			Render("Unavailable: "+strings.Join(a.runtime.Failed, ", ")))
	}
	if a.err != nil {
		parts = append(parts, lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Render("Error: "+a.err.Error()))
	}
	if a.statusMsg != "" {
		parts = append(parts, lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98C379")).
			Render(a.statusMsg))
	}
	if a.state == stateMenu {
		parts = append(parts, lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Render("enter to start · q to quit"))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(parts, "\n"))
}
