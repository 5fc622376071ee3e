// Command courier is the delivery-tracking client. A user shares live
// location with the relay; an agent watches the users sharing theirs and
// gets a route to whichever one is selected.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	flag "github.com/spf13/pflag"

	"github.com/asim/courier/auth"
	"github.com/asim/courier/config"
	"github.com/asim/courier/location"
	"github.com/asim/courier/relay"
	"github.com/asim/courier/route"
	"github.com/asim/courier/session"
	"github.com/asim/courier/tracker"
)

var (
	doLogin    = flag.Bool("login", false, "log in and store the session")
	doRegister = flag.Bool("register", false, "create an account")
	doLogout   = flag.Bool("logout", false, "clear the stored session and exit")
	username   = flag.String("username", "", "account username")
	password   = flag.String("password", "", "account password")
	role       = flag.String("role", session.RoleUser, "account role: user or agent")
	trackID    = flag.String("track", "", "subject id to route to (agent mode)")
	dataPath   = flag.String("data", "", "session database path (overrides COURIER_SESSION_PATH)")
	startLat   = flag.Float64("lat", 12.9716, "simulated start latitude")
	startLon   = flag.Float64("lon", 77.5946, "simulated start longitude")
	seed       = flag.Int64("seed", time.Now().UnixNano(), "simulated walk seed")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subjectStyle = lipgloss.NewStyle().Bold(true)
	faintStyle   = lipgloss.NewStyle().Faint(true)
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func main() {
	flag.Parse()

	cfg := config.FromEnv()
	if *dataPath != "" {
		cfg.SessionPath = *dataPath
	}

	store, err := session.Open(cfg.SessionPath)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer store.Close()

	switch {
	case *doRegister:
		if err := auth.NewClient(cfg.APIBase).Register(context.Background(), *username, *password, *role); err != nil {
			log.Fatalf("register: %v", err)
		}
		fmt.Println("Registration successful. You can now log in.")
		return

	case *doLogin:
		sess, err := auth.NewClient(cfg.APIBase).Login(context.Background(), *username, *password, *role)
		if err != nil {
			log.Fatalf("login: %v", err)
		}
		if err := store.Save(sess); err != nil {
			log.Fatalf("save session: %v", err)
		}
		fmt.Printf("Logged in as %s (%s)\n", *username, sess.Role)
		return

	case *doLogout:
		if err := store.Clear(); err != nil {
			log.Fatalf("clear session: %v", err)
		}
		fmt.Println("Logged out.")
		return
	}

	sess, err := store.Load()
	if err != nil {
		log.Fatalf("load session: %v", err)
	}
	if !sess.Authenticated() {
		fmt.Println("No session. Log in first:")
		fmt.Println("  courier --login --username you --password secret --role user")
		os.Exit(1)
	}

	run(cfg, store, sess)
}

func run(cfg config.Config, store *session.Store, sess session.Session) {
	device := location.NewSimDevice(location.Point{Latitude: *startLat, Longitude: *startLon}, *seed)
	source := location.NewTracker(device,
		location.WithInterval(cfg.SampleInterval),
		location.WithMinDisplacement(cfg.MinDisplacement))

	geocoder := location.NewGeocoder()

	fetcher := route.NewFetcher(cfg.DirectionsKey)
	fetcher.BaseURL = cfg.DirectionsURL
	planner := route.NewPlanner(fetcher)

	channel := relay.NewChannel(relay.Config{
		URL:               cfg.ServerURL,
		Token:             sess.Token,
		DialTimeout:       cfg.DialTimeout,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	})

	down := make(chan struct{}, 1)
	ctrl := tracker.NewController(sess.Role, source, channel, store, planner, tracker.NewTable(cfg.StaleAfter),
		tracker.OnNavigate(func(target string) {
			fmt.Println(bannerStyle.Render("Session ended. Log in again with --login."))
		}),
		tracker.OnDown(func() {
			select {
			case down <- struct{}{}:
			default:
			}
		}),
	)

	if err := ctrl.Mount(context.Background()); err != nil {
		log.Fatalf("mount: %v", err)
	}

	if sess.Role == session.RoleAgent && *trackID != "" {
		ctrl.Select(*trackID)
	}
	if sess.Role == session.RoleUser {
		ctrl.Select(relay.AgentSubjectID)
	}

	// keep only the newest plan for rendering
	plans := make(chan route.Plan, 1)
	go func() {
		for plan := range planner.Plans() {
			select {
			case plans <- plan:
			default:
				select {
				case <-plans:
				default:
				}
				plans <- plan
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var latest route.Plan
	selfLabel := "me"
	if id := sess.SubjectID(); id != "" {
		selfLabel = "me:" + id
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("courier (%s mode)", sess.Role)))

	for {
		select {
		case <-stop:
			fmt.Println()
			ctrl.Unmount()
			return
		case plan := <-plans:
			latest = plan
		case <-down:
			// the channel spent its reconnect budget; mounting again
			// starts a fresh connect cycle
			fmt.Println(bannerStyle.Render("Connection lost. Reconnecting..."))
			if err := ctrl.Mount(context.Background()); err != nil {
				fmt.Println(bannerStyle.Render(fmt.Sprintf("Reconnect failed: %v", err)))
			}
		case <-ticker.C:
			render(ctrl, geocoder, sess.Role, selfLabel, latest)
		}
	}
}

func render(ctrl *tracker.Controller, geocoder *location.Geocoder, role, selfLabel string, plan route.Plan) {
	self, hasSelf := ctrl.Self()
	if hasSelf {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		addr := geocoder.Reverse(ctx, self)
		cancel()
		fmt.Printf("%s %s %s\n", subjectStyle.Render(selfLabel), self, faintStyle.Render(addr))
	}

	if role == session.RoleUser {
		if entry, ok := ctrl.Table().Get(relay.AgentSubjectID); ok {
			fmt.Printf("%s %s %s\n", subjectStyle.Render("agent"), entry.Location,
				faintStyle.Render(fmt.Sprintf("%.1fkm away, %s", location.Distance(self, entry.Location), age(entry.UpdatedAt))))
		} else {
			fmt.Println(faintStyle.Render("agent: no location yet"))
		}
	} else {
		entries := ctrl.Table().Snapshot()
		if len(entries) == 0 {
			fmt.Println(faintStyle.Render("no users are sharing their location"))
		}
		for _, entry := range entries {
			marker := "  "
			if entry.SubjectID == ctrl.Selected() {
				marker = subjectStyle.Render("> ")
			}
			line := fmt.Sprintf("%s%s  %s", marker, subjectStyle.Render(entry.SubjectID), entry.Location)
			if hasSelf {
				line += faintStyle.Render(fmt.Sprintf("  %.1fkm  %s", location.Distance(self, entry.Location), age(entry.UpdatedAt)))
			}
			fmt.Println(line)
		}
	}

	if len(plan.Points) > 0 {
		fmt.Println(faintStyle.Render(fmt.Sprintf("route: %d points to %s", len(plan.Points), plan.Destination)))
	}
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	if d < time.Second {
		return "just now"
	}
	return d.String() + " ago"
}
