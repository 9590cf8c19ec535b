package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	sprintpulse "github.com/sprintpulse/sprintpulse-go"
)

const configReloadDelay = 250 * time.Millisecond

var (
	watchNoNotifications bool
	watchBell            bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchNoNotifications, "no-notifications", false, "Do not open the notification stream")
	watchCmd.Flags().BoolVar(&watchBell, "bell", false, "Ring the terminal bell on new notifications")
}

var watchCmd = &cobra.Command{
	Use:   "watch [project]",
	Short: "Follow a project's jobs and notifications live",
	Long: "Open the dashboard and notification streams and print job progress, summary refreshes and new notifications as they arrive.\n" +
		"Changes to the auth token, tenant or default project in the config file are picked up without restarting.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, session, s, err := getClient()
		if err != nil {
			return err
		}
		project, err := projectFrom(args, s)
		if err != nil {
			return err
		}
		pinned := len(args) > 0

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w := &watcher{
			out:     newPrinter(os.Stdout),
			session: session,
			project: project,
			pinned:  pinned,
		}
		w.dash = client.Dashboard(&sprintpulse.DashboardConfig{
			DirectPort:    s.DirectPort,
			OnNotice:      func(n sprintpulse.Notice) { w.out.line("%s", renderNotice(n)) },
			OnStateChange: func(st sprintpulse.ConnectionState) { w.out.line("%s", renderConnState("dashboard", st)) },
			OnSummary:     func(sum *sprintpulse.Summary) { w.out.block(formatSummary(sum, "         ")) },
		})
		defer w.dash.Close()
		w.dash.Refetch().Register(sprintpulse.RefetchInsights, func(context.Context) error {
			w.out.line("%s", mutedStyle.Render("AI insights updated"))
			return nil
		})
		for _, t := range []*sprintpulse.JobTracker{w.dash.Resync(), w.dash.Insight(), w.dash.DeepSprint()} {
			t.OnChange(func(st sprintpulse.JobState) { w.out.line("%s", renderJob(st)) })
		}

		w.out.line("%s", headerStyle.Render("Watching project "+project))
		if err := w.dash.Mount(ctx, project); err != nil {
			w.out.line("%s", warnStyle.Render(fmt.Sprintf("Dashboard stream unavailable: %v", err)))
		}

		if !watchNoNotifications {
			var desktop sprintpulse.Desktop
			if watchBell {
				desktop = terminalBell{out: os.Stdout}
			}
			w.notifs, err = client.Notifications(&sprintpulse.NotificationConfig{
				Desktop:       desktop,
				OnChange:      w.onNotifications,
				OnStateChange: func(st sprintpulse.ConnectionState) { w.out.line("%s", renderConnState("notification", st)) },
				OnReconnecting: func(attempt int, delay time.Duration) {
					w.out.line("%s", mutedStyle.Render(fmt.Sprintf("notification stream reconnecting in %s (attempt %d)", delay, attempt)))
				},
			})
			if err != nil {
				return err
			}
			defer w.notifs.Close()
			w.notifs.Mount(ctx)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := w.watchConfig(ctx, path); err != nil {
			slog.Warn("Config file watching disabled", "path", path, "error", err)
		}

		<-ctx.Done()
		w.out.line("%s", mutedStyle.Render("Stopping"))
		return nil
	},
}

// watcher owns the live streams of the watch command.
type watcher struct {
	out     *printer
	session *sprintpulse.SessionStore
	dash    *sprintpulse.DashboardStream
	notifs  *sprintpulse.NotificationStream
	pinned  bool

	mu      sync.Mutex
	project string
	seen    map[string]bool
}

// onNotifications prints notifications that were not in the previous list.
// The first call only reports the unread count.
func (w *watcher) onNotifications(list []sprintpulse.Notification) {
	w.mu.Lock()
	first := w.seen == nil
	if first {
		w.seen = make(map[string]bool, len(list))
	}
	var fresh []sprintpulse.Notification
	unread := 0
	for _, n := range list {
		if !n.IsRead {
			unread++
		}
		if !w.seen[n.ID] {
			w.seen[n.ID] = true
			fresh = append(fresh, n)
		}
	}
	w.mu.Unlock()

	if first {
		w.out.line("%s", mutedStyle.Render(fmt.Sprintf("%d unread notifications", unread)))
		return
	}
	for i := len(fresh) - 1; i >= 0; i-- {
		w.out.line("%s", renderNotification(fresh[i]))
	}
}

// watchConfig reloads settings whenever the config file changes. Editors
// often write through a rename, so the directory is watched and bursts of
// events are coalesced.
func (w *watcher) watchConfig(ctx context.Context, path string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return err
	}

	reload := sprintpulse.NewRefetchCoordinator(configReloadDelay, slog.Default())
	reload.Register("config", func(ctx context.Context) error {
		return w.reload(ctx, path)
	})

	go func() {
		defer func() { _ = fw.Close() }()
		defer reload.Stop()
		name := filepath.Base(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				slog.Debug("Config file changed", "op", ev.Op.String())
				reload.Notify("config")
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Warn("Config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// reload applies token, tenant and project changes. A changed token or
// tenant rebuilds both stream endpoints and reconnects.
func (w *watcher) reload(ctx context.Context, path string) error {
	s, err := loadSettingsFrom(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	projectChanged := !w.pinned && s.Project != "" && s.Project != w.project
	if projectChanged {
		w.project = s.Project
	}
	project := w.project
	w.mu.Unlock()

	sessionChanged := w.session.Update(s.Token, s.Tenant)
	if !sessionChanged && !projectChanged {
		return nil
	}

	if s.Token == "" {
		w.out.line("%s", warnStyle.Render("Auth token removed; streams will stay closed until one is configured"))
	} else if sessionChanged {
		w.out.line("%s", mutedStyle.Render("Credentials changed, reconnecting"))
	}
	if projectChanged {
		w.out.line("%s", headerStyle.Render("Watching project "+project))
	}

	if err := w.dash.Mount(ctx, project); err != nil {
		w.out.line("%s", warnStyle.Render(fmt.Sprintf("Dashboard stream unavailable: %v", err)))
	}
	if sessionChanged && w.notifs != nil {
		w.notifs.Restart(ctx)
	}
	return nil
}

// terminalBell is a Desktop that rings the terminal bell.
type terminalBell struct {
	out *os.File
}

func (terminalBell) Permitted() bool { return true }

func (b terminalBell) Show(sprintpulse.Notification) error {
	_, err := b.out.WriteString("\a")
	return err
}
