// Package console is the interactive terminal front end: a line editor with
// slash commands on top of the auth session manager and the chat
// conversation.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"aichat/internal/ai"
	"aichat/internal/app"
	"aichat/internal/authsession"
	"aichat/internal/chat"
	"aichat/internal/model"
)

var (
	ErrNotSignedIn    = errors.New("sign in first with /login or /signup")
	ErrUnknownCommand = errors.New("unknown command, try /help")
	ErrUsage          = errors.New("wrong arguments")
)

// Prompter reads lines from the user; *liner.State implements it.
type Prompter interface {
	Prompt(prompt string) (string, error)
	PasswordPrompt(prompt string) (string, error)
	AppendHistory(item string)
}

type Console struct {
	in      Prompter
	out     io.Writer
	auth    *authsession.Manager
	data    *app.DataService
	gateway *ai.Gateway

	mu       sync.Mutex
	opts     chat.Options
	conv     *chat.Conversation
	convUser string
	cancel   context.CancelFunc
	listed   []model.Session
}

func New(in Prompter, out io.Writer, auth *authsession.Manager, data *app.DataService, gateway *ai.Gateway, opts chat.Options) *Console {
	return &Console{
		in:      in,
		out:     out,
		auth:    auth,
		data:    data,
		gateway: gateway,
		opts:    opts,
	}
}

// Run reads input until /quit, Ctrl+C at the prompt or end of input.
func (c *Console) Run(ctx context.Context) error {
	c.printWelcome()
	for {
		input, err := c.in.Prompt(promptStyle.Render("chat> "))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out)
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		c.in.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := c.Execute(ctx, input)
			if err != nil {
				c.printError(err)
			}
			if quit {
				return nil
			}
			continue
		}

		if _, err := c.Send(ctx, input); err != nil {
			c.printError(err)
		}
	}
}

// Execute runs one slash command and reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, input string) (bool, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false, nil
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "/help", "/h":
		c.printHelp()
	case "/quit", "/q", "/exit":
		return true, nil
	case "/login":
		return false, c.login(ctx, args)
	case "/signup":
		return false, c.signup(ctx, args)
	case "/logout":
		c.closeConversation()
		if err := c.auth.Logout(ctx); err != nil {
			return false, err
		}
		c.printInfo("signed out")
	case "/reset":
		return false, c.resetPassword(ctx, args)
	case "/new":
		conv, err := c.conversation()
		if err != nil {
			return false, err
		}
		if err := conv.Reset(); err != nil {
			return false, err
		}
		c.printInfo("started a new chat")
	case "/sessions":
		return false, c.listSessions(ctx)
	case "/open":
		return false, c.openSession(ctx, args)
	case "/history":
		conv, err := c.conversation()
		if err != nil {
			return false, err
		}
		c.printTranscript(conv.Messages())
	case "/delete":
		return false, c.deleteMessage(ctx, args)
	case "/clear":
		conv, err := c.conversation()
		if err != nil {
			return false, err
		}
		conv.Clear()
		c.printInfo("transcript cleared")
	case "/provider":
		return false, c.switchProvider(args)
	default:
		return false, ErrUnknownCommand
	}
	return false, nil
}

// Send streams one reply to the terminal. Interrupt cancels it.
func (c *Console) Send(ctx context.Context, content string) (*model.Message, error) {
	conv, err := c.conversation()
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
	}()

	reply, err := conv.Send(sendCtx, content)
	fmt.Fprintln(c.out)
	return reply, err
}

// Interrupt cancels the reply being generated, if any.
func (c *Console) Interrupt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	c.cancel = nil
	return true
}

func (c *Console) Close() {
	c.closeConversation()
}

func (c *Console) login(ctx context.Context, args []string) error {
	email, err := c.argOrPrompt(args, "email: ")
	if err != nil {
		return err
	}
	password, err := c.in.PasswordPrompt("password: ")
	if err != nil {
		return err
	}
	if err := c.auth.Login(ctx, email, password); err != nil {
		return err
	}
	c.printInfo("signed in as " + c.auth.User().Email)
	return nil
}

func (c *Console) signup(ctx context.Context, args []string) error {
	email, err := c.argOrPrompt(args, "email: ")
	if err != nil {
		return err
	}
	name := ""
	if len(args) > 1 {
		name = strings.Join(args[1:], " ")
	}
	password, err := c.in.PasswordPrompt("password: ")
	if err != nil {
		return err
	}
	if err := c.auth.Signup(ctx, email, password, name); err != nil {
		return err
	}
	c.printInfo("welcome, " + c.auth.User().Name)
	return nil
}

func (c *Console) resetPassword(ctx context.Context, args []string) error {
	email, err := c.argOrPrompt(args, "email: ")
	if err != nil {
		return err
	}
	if err := c.auth.ResetPassword(ctx, email); err != nil {
		return err
	}
	c.printInfo("if that address is registered, a reset link is on its way")
	return nil
}

func (c *Console) listSessions(ctx context.Context) error {
	user := c.auth.User()
	if user == nil {
		return ErrNotSignedIn
	}
	sessions, err := c.data.ListSessions(ctx, user.ID, app.DefaultSessionLimit)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.listed = sessions
	c.mu.Unlock()

	if len(sessions) == 0 {
		c.printInfo("no chats yet")
		return nil
	}
	for i, s := range sessions {
		fmt.Fprintf(c.out, "%s %s %s\n",
			commandStyle.Render(fmt.Sprintf("%2d.", i+1)),
			s.Title,
			infoStyle.Render(s.UpdatedAt.Local().Format("2006-01-02 15:04")))
	}
	return nil
}

// openSession accepts a number from the last /sessions listing or a raw id.
func (c *Console) openSession(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: /open <number|id>", ErrUsage)
	}
	sessionID := args[0]
	if n, err := strconv.Atoi(args[0]); err == nil {
		c.mu.Lock()
		listed := c.listed
		c.mu.Unlock()
		if n < 1 || n > len(listed) {
			return fmt.Errorf("%w: run /sessions and pick a listed number", ErrUsage)
		}
		sessionID = listed[n-1].ID
	}

	conv, err := c.conversation()
	if err != nil {
		return err
	}
	if err := conv.Load(ctx, sessionID); err != nil {
		return err
	}
	c.printInfo("opened " + conv.Session().Title)
	c.printTranscript(conv.Messages())
	return nil
}

// deleteMessage takes the message number shown by /history.
func (c *Console) deleteMessage(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: /delete <number>", ErrUsage)
	}
	conv, err := c.conversation()
	if err != nil {
		return err
	}
	messages := conv.Messages()
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(messages) {
		return fmt.Errorf("%w: run /history and pick a listed number", ErrUsage)
	}
	if err := conv.DeleteMessage(ctx, messages[n-1].ID); err != nil {
		return err
	}
	c.printInfo(fmt.Sprintf("deleted message %d", n))
	return nil
}

func (c *Console) switchProvider(args []string) error {
	if len(args) == 0 {
		c.mu.Lock()
		current := c.opts.Provider
		c.mu.Unlock()
		c.printInfo(fmt.Sprintf("provider %s (available: %s)", current, strings.Join(c.gateway.Names(), ", ")))
		return nil
	}

	provider, err := c.gateway.Provider(args[0])
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.opts.Provider = provider.Name()
	c.opts.Model = provider.DefaultModel()
	conv := c.conv
	c.conv = nil
	c.mu.Unlock()

	// carry the open chat over to the new provider
	if conv != nil {
		session := conv.Session()
		conv.Close()
		if session != nil {
			next, err := c.conversation()
			if err != nil {
				return err
			}
			if err := next.Load(context.Background(), session.ID); err != nil {
				return err
			}
		}
	}
	c.printInfo("now using " + provider.Name() + " " + provider.DefaultModel())
	return nil
}

// conversation returns the signed-in user's conversation, replacing it when
// the user changed.
func (c *Console) conversation() (*chat.Conversation, error) {
	user := c.auth.User()
	if user == nil {
		return nil, ErrNotSignedIn
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv != nil && c.convUser == user.ID {
		return c.conv, nil
	}
	if c.conv != nil {
		c.conv.Close()
	}
	c.conv = chat.New(c.data, c.gateway, user.ID, c.opts, chat.Hooks{
		OnMessage: func(msg model.Message) {
			if msg.Role == model.MessageRoleAssistant && msg.Content == "" {
				fmt.Fprintf(c.out, "%s ", roleLabel(msg.Role))
			}
		},
		OnFragment: func(_, fragment, _ string) {
			fmt.Fprint(c.out, fragment)
		},
	})
	c.convUser = user.ID
	c.listed = nil
	return c.conv, nil
}

func (c *Console) closeConversation() {
	c.mu.Lock()
	conv := c.conv
	c.conv = nil
	c.convUser = ""
	c.listed = nil
	c.mu.Unlock()
	if conv != nil {
		conv.Close()
	}
}

func (c *Console) argOrPrompt(args []string, prompt string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	value, err := c.in.Prompt(prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func (c *Console) printTranscript(messages []model.Message) {
	if len(messages) == 0 {
		c.printInfo("no messages")
		return
	}
	for i, m := range messages {
		fmt.Fprintf(c.out, "%s %s %s\n", infoStyle.Render(fmt.Sprintf("%2d.", i+1)), roleLabel(m.Role), m.Content)
	}
}

func (c *Console) printWelcome() {
	fmt.Fprintln(c.out, welcomeStyle.Render("AI chat"))
	if user := c.auth.User(); user != nil {
		c.printInfo("signed in as " + user.Email)
	} else {
		c.printInfo("not signed in, use /login or /signup")
	}
	c.printInfo("type /help for commands")
}

func (c *Console) printHelp() {
	commands := [][2]string{
		{"/login [email]", "sign in"},
		{"/signup [email] [name]", "create an account"},
		{"/logout", "sign out"},
		{"/reset [email]", "send a password reset link"},
		{"/new", "start a new chat"},
		{"/sessions", "list recent chats"},
		{"/open <n|id>", "open a chat"},
		{"/history", "show the current chat"},
		{"/delete <n>", "delete a message from the current chat"},
		{"/clear", "clear the screen transcript"},
		{"/provider [name]", "show or switch the AI provider"},
		{"/quit", "exit"},
	}
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %-24s %s\n", commandStyle.Render(cmd[0]), infoStyle.Render(cmd[1]))
	}
}

func (c *Console) printInfo(msg string) {
	fmt.Fprintln(c.out, infoStyle.Render(msg))
}

func (c *Console) printError(err error) {
	fmt.Fprintf(c.out, "%s %v\n", errorStyle.Render("[Error]"), err)
}
