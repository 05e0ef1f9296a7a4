package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/suPer8Hu/consult-platform/internal/models"
)

func runRegister(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	u, err := a.client.Register(ctx, *name, *email, *password)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (#%d, %s)\n", u.Name, u.ID, u.Role)
	fmt.Printf("export CONSULT_TOKEN=%s\n", a.client.Token())
	return nil
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	u, err := a.client.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Printf("logged in as %s (#%d, %s)\n", u.Name, u.ID, u.Role)
	fmt.Printf("export CONSULT_TOKEN=%s\n", a.client.Token())
	return nil
}

func runWhoami(ctx context.Context, a *app, _ []string) error {
	c, err := a.controller(ctx, false)
	if err != nil {
		return err
	}
	u, err := c.LoadIdentity(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("#%d %s <%s> %s\n", u.ID, u.Name, u.Email, u.Role)
	return nil
}

func runQueue(ctx context.Context, a *app, _ []string) error {
	c, err := a.controller(ctx, false)
	if err != nil {
		return err
	}
	if _, err := c.LoadIdentity(ctx); err != nil {
		return err
	}
	waiting, err := c.FetchWaitingQueue(ctx)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	for _, s := range waiting {
		printSession(s)
	}
	return nil
}

func runSessions(ctx context.Context, a *app, _ []string) error {
	list, err := a.client.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range list {
		printSession(s)
	}
	return nil
}

func runCreate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	category := fs.Uint64("category", 0, "category id")
	message := fs.String("message", "", "initial message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := a.controller(ctx, false)
	if err != nil {
		return err
	}
	if _, err := c.LoadIdentity(ctx); err != nil {
		return err
	}
	s, err := c.CreateSession(ctx, *category, *message)
	if err != nil {
		return err
	}
	printSession(s)
	return nil
}

func runAccept(ctx context.Context, a *app, args []string) error {
	id, err := sessionArg(args)
	if err != nil {
		return err
	}
	c, err := a.controller(ctx, false)
	if err != nil {
		return err
	}
	if _, err := c.LoadIdentity(ctx); err != nil {
		return err
	}
	s, err := c.AcceptSession(ctx, id)
	if err != nil {
		return err
	}
	printSession(s)
	return nil
}

func runSend(ctx context.Context, a *app, args []string) error {
	id, err := sessionArg(args)
	if err != nil {
		return err
	}
	c, err := a.controller(ctx, false)
	if err != nil {
		return err
	}
	if _, err := c.LoadIdentity(ctx); err != nil {
		return err
	}
	if _, err := c.OpenSession(ctx, id); err != nil {
		return err
	}
	m, err := c.SendMessage(ctx, id, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	printMessage(m)
	return nil
}

func runHistory(ctx context.Context, a *app, args []string) error {
	id, err := sessionArg(args)
	if err != nil {
		return err
	}
	c, err := a.controller(ctx, false)
	if err != nil {
		return err
	}
	if _, err := c.LoadIdentity(ctx); err != nil {
		return err
	}
	view, err := c.OpenSession(ctx, id)
	if err != nil {
		return err
	}
	printSession(view.Session)
	for _, m := range view.Messages {
		printMessage(m)
	}
	if _, err := c.MarkRead(ctx, id); err != nil {
		a.log.Debugw("mark read", "err", err)
	}
	return nil
}

func runClose(ctx context.Context, a *app, args []string) error {
	id, err := sessionArg(args)
	if err != nil {
		return err
	}
	c, err := a.controller(ctx, false)
	if err != nil {
		return err
	}
	if _, err := c.LoadIdentity(ctx); err != nil {
		return err
	}
	s, err := c.CloseSession(ctx, id)
	if err != nil {
		return err
	}
	printSession(s)
	return nil
}

// runWatch prints the queue and, when an id is given, that session as
// pushed events arrive, until interrupted or the session closes.
func runWatch(ctx context.Context, a *app, args []string) error {
	var id uint64
	if len(args) > 0 {
		v, err := sessionArg(args)
		if err != nil {
			return err
		}
		id = v
	}
	c, err := a.controller(ctx, true)
	if err != nil {
		return err
	}
	me, err := c.LoadIdentity(ctx)
	if err != nil {
		return err
	}
	if me.IsAdvisor() || me.IsAdmin() {
		if _, err := c.FetchWaitingQueue(ctx); err != nil {
			return err
		}
	}
	if id != 0 {
		if _, err := c.OpenSession(ctx, id); err != nil {
			return err
		}
	}

	changes, cancel := c.Store().Watch()
	defer cancel()

	printed := 0
	lastQueue := ""
	for {
		if id != 0 {
			view, ok := c.Store().Session(id)
			if ok {
				if printed > len(view.Messages) {
					printed = 0
				}
				for _, m := range view.Messages[printed:] {
					printMessage(m)
				}
				printed = len(view.Messages)
				if view.Session.Status == models.StatusClosed {
					printSession(view.Session)
					return nil
				}
			}
		} else if q := queueLine(c.Store().Snapshot().Waiting); q != lastQueue {
			fmt.Println(q)
			lastQueue = q
		}

		select {
		case <-ctx.Done():
			return nil
		case <-a.ws.Done():
			return errors.New("realtime connection lost")
		case <-changes:
		}
	}
}

// runAudio joins the session's audio channel until interrupted.
func runAudio(ctx context.Context, a *app, args []string) error {
	id, err := sessionArg(args)
	if err != nil {
		return err
	}
	c, err := a.controller(ctx, true)
	if err != nil {
		return err
	}
	if _, err := c.LoadIdentity(ctx); err != nil {
		return err
	}
	if _, err := c.OpenSession(ctx, id); err != nil {
		return err
	}
	if err := c.JoinAudio(ctx, id); err != nil {
		return err
	}
	fmt.Printf("joined %s, ctrl-c to leave\n", models.MediaChannelName(id))

	changes, cancel := c.Store().Watch()
	defer cancel()
	for {
		if view, ok := c.Store().Session(id); ok && view.Session.Status == models.StatusClosed {
			fmt.Println("session closed")
			return nil
		}
		select {
		case <-ctx.Done():
			leaveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return c.LeaveSession(leaveCtx, id)
		case <-changes:
		}
	}
}

func sessionArg(args []string) (uint64, error) {
	if len(args) == 0 {
		return 0, errors.New("session id required")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("bad session id %q", args[0])
	}
	return id, nil
}

func printSession(s models.ChatSession) {
	advisor := "-"
	if s.ReverendID != nil {
		advisor = "#" + strconv.FormatUint(*s.ReverendID, 10)
	}
	fmt.Printf("session %d [%s] user=#%d reverend=%s category=%d %q\n",
		s.ID, s.Status, s.UserID, advisor, s.CategoryID, s.InitialMessage)
}

func printMessage(m models.Message) {
	fmt.Printf("  %s #%d: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Message)
}

func queueLine(waiting []models.ChatSession) string {
	if len(waiting) == 0 {
		return "queue: empty"
	}
	ids := make([]string, 0, len(waiting))
	for _, s := range waiting {
		ids = append(ids, strconv.FormatUint(s.ID, 10))
	}
	return "queue: " + strings.Join(ids, ", ")
}
