// Package main provides the operator CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/dgruss/smartmic/internal/api/client"
)

var (
	app      = kingpin.New("smartmic-ctl", "SmartMic operator client")
	server   = app.Flag("server", "Server address").Default("http://localhost:5000").String()
	password = app.Flag("password", "Control passphrase (or set CONTROL_PASSWORD env)").Envar("CONTROL_PASSWORD").String()

	// status command
	statusCmd = app.Command("status", "Show rooms, control lock and automation state")

	// key command
	keyCmd  = app.Command("key", "Send a navigation key to the game")
	keyName = keyCmd.Arg("name", "Key name (Up, Down, Left, Right, Return, Escape, or a letter)").Required().String()

	// text command
	textCmd  = app.Command("text", "Type text into the game")
	textBody = textCmd.Arg("text", "Text to type").Required().String()

	// capacity command
	capacityCmd   = app.Command("capacity", "Set a room's member limit")
	capacityRoom  = capacityCmd.Arg("room", "Room name (lobby, mic1..mic6)").Required().String()
	capacityLimit = capacityCmd.Arg("limit", "Member limit").Required().Int()

	// automation commands
	startCmd       = app.Command("start", "Enable the playlist automation")
	startCountdown = startCmd.Flag("countdown", "Between-song countdown in seconds").Int()
	stopCmd        = app.Command("stop", "Disable the playlist automation")
	nextCmd        = app.Command("next", "Skip the running countdown").Alias("skip")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	c, err := client.New(*server)
	if err != nil {
		fail(err)
	}
	ctx := context.Background()

	// status needs no lock; everything else acquires it for the call
	if command == statusCmd.FullCommand() {
		status(ctx, c)
		return
	}

	acquire(ctx, c)
	defer func() { _ = c.ReleaseControl(ctx) }()

	switch command {
	case keyCmd.FullCommand():
		if err := c.Keystroke(ctx, *keyName); err != nil {
			fail(err)
		}
		fmt.Printf("Sent %s\n", *keyName)
	case textCmd.FullCommand():
		if err := c.TypeText(ctx, *textBody); err != nil {
			fail(err)
		}
		fmt.Println("Text typed")
	case capacityCmd.FullCommand():
		if err := c.SetCapacity(ctx, *capacityRoom, *capacityLimit); err != nil {
			fail(err)
		}
		fmt.Printf("Capacity of %s set to %d\n", *capacityRoom, *capacityLimit)
	case startCmd.FullCommand():
		var countdown *int
		if *startCountdown > 0 {
			countdown = startCountdown
		}
		st, err := c.ToggleAutomation(ctx, true, countdown)
		if err != nil {
			fail(err)
		}
		fmt.Printf("Automation enabled: phase=%s\n", st.Phase)
	case stopCmd.FullCommand():
		st, err := c.ToggleAutomation(ctx, false, nil)
		if err != nil {
			fail(err)
		}
		fmt.Printf("Automation disabled: phase=%s\n", st.Phase)
	case nextCmd.FullCommand():
		st, err := c.NextSong(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Printf("Advanced: phase=%s, current=%s\n", st.Phase, st.CurrentSong)
	}
}

// acquire authenticates when a passphrase is set and takes the control lock.
func acquire(ctx context.Context, c *client.Client) {
	if *password != "" {
		if err := c.Authenticate(ctx, *password); err != nil {
			fail(err)
		}
	}
	if err := c.AcquireControl(ctx, "smartmic-ctl"); err != nil {
		fail(err)
	}
}

func status(ctx context.Context, c *client.Client) {
	st, err := c.Status(ctx)
	if err != nil {
		fail(err)
	}

	fmt.Println("\n=== ROOMS ===")
	names := make([]string, 0, len(st.Rooms))
	for name := range st.Rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-6s (%d/%d):", name, len(st.Rooms[name]), st.Capacity[name])
		for _, member := range st.Rooms[name] {
			fmt.Printf(" %s", member)
		}
		fmt.Println()
	}

	fmt.Println("\n=== CONTROL ===")
	if st.Control.Owner == 0 {
		fmt.Println("  Lock: free")
	} else {
		fmt.Printf("  Lock: held by %s (session %d)\n", st.Control.OwnerName, st.Control.Owner)
	}
	fmt.Printf("  Password required: %v\n", st.Control.PasswordRequired)

	auto, err := c.AutomationStatus(ctx)
	if err != nil {
		fail(err)
	}
	fmt.Println("\n=== AUTOMATION ===")
	fmt.Printf("  Enabled: %v\n", auto.Enabled)
	fmt.Printf("  Phase: %s\n", auto.Phase)
	fmt.Printf("  Status: %s\n", auto.Status)
	if auto.CurrentSong != "" {
		fmt.Printf("  Current: %s\n", auto.CurrentSong)
	}
	if auto.NextSong != "" {
		fmt.Printf("  Next: %s\n", auto.NextSong)
	}
	fmt.Println()
}

func fail(err error) {
	fmt.Printf("Error: %v\n", err)
	os.Exit(1)
}
