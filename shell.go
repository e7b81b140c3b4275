package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/CodedInternet/servobus/comms"
	serr "github.com/CodedInternet/servobus/onboard/errors"
	"github.com/CodedInternet/servobus/onboard/servo"
)

const SHELL_TIMEOUT = 10 * time.Second

var errUsage = errors.New("wrong number of arguments")

// newShell builds the operator shell over the current ENV.
func newShell() *ishell.Shell {
	shell := ishell.New()
	shell.Println("Servobus operator shell")
	shell.ShowPrompt(true)

	busNames := func([]string) []string {
		return ENV.Controller.BusNames()
	}

	// run executes fn with a bounded context and reports its error.
	run := func(fn func(ctx context.Context, c *ishell.Context) error) func(*ishell.Context) {
		return func(c *ishell.Context) {
			ctx, cancel := context.WithTimeout(context.Background(), SHELL_TIMEOUT)
			defer cancel()
			if err := fn(ctx, c); err != nil {
				c.Err(err)
			}
		}
	}

	shell.AddCmd(&ishell.Cmd{
		Name: "createsuperuser",
		Help: "createsuperuser <email> <password>",
		Func: func(c *ishell.Context) {
			// disable the '>>>' for cleaner same line input.
			c.ShowPrompt(false)
			defer c.ShowPrompt(true)

			var email string
			if len(c.Args) >= 1 {
				email = c.Args[0]
			} else {
				c.Print("Email: ")
				email = c.ReadLine()
			}

			var password string
			if len(c.Args) >= 2 {
				password = c.Args[1]
			} else {
				c.Print("Password: ")
				password = c.ReadPassword()
			}

			if _, err := createSuperuser(ENV.DB, email, password); err != nil {
				c.Err(err)
				return
			}
			c.Println("Superuser created")
		},
	})

	// NMT commands go through the same path as the live clients
	for _, name := range []string{comms.CMD_OPERATIONAL, comms.CMD_PRE_OPERATIONAL, comms.CMD_STOP, comms.CMD_RESET, comms.CMD_REBOOT} {
		name := name
		shell.AddCmd(&ishell.Cmd{
			Name:      name,
			Completer: busNames,
			Help:      name + " <bus> [address], without an address every device is addressed",
			Func: run(func(ctx context.Context, c *ishell.Context) error {
				cmd, err := parseCmd(name, c.Args)
				if err != nil {
					return err
				}
				if err = ENV.Conductor.ProcessCommand(ctx, cmd); err != nil {
					return err
				}
				c.Printf("%s sent\n", name)
				return nil
			}),
		})
	}

	controls := map[string]string{
		comms.CMD_POSITION: "position <bus> <address> <degrees> [velocity limit] [current limit]",
		comms.CMD_VELOCITY: "velocity <bus> <address> <degrees/s> [current limit]",
		comms.CMD_CURRENT:  "current <bus> <address> <amperes>",
		comms.CMD_DUTY:     "duty <bus> <address> <percent of input voltage>",
		comms.CMD_FREEZE:   "freeze <bus> <address>, stop and hold position",
		comms.CMD_RELEASE:  "release <bus> <address>, stop and de-energize",
		comms.CMD_BRAKE:    "brake <bus> <address> <on|off>",
	}
	for name, help := range controls {
		name := name
		shell.AddCmd(&ishell.Cmd{
			Name:      name,
			Completer: busNames,
			Help:      help,
			Func: run(func(ctx context.Context, c *ishell.Context) error {
				cmd, err := parseControl(name, c.Args)
				if err != nil {
					return err
				}
				if err = ENV.Conductor.ProcessCommand(ctx, cmd); err != nil {
					return err
				}
				c.Printf("%s sent\n", name)
				return nil
			}),
		})
	}

	shell.AddCmd(&ishell.Cmd{
		Name:      "state",
		Completer: busNames,
		Help:      "state <bus> [address]",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			if len(c.Args) < 1 {
				return errUsage
			}
			bus, err := ENV.Controller.Bus(c.Args[0])
			if err != nil {
				return err
			}
			devices := bus.Devices()
			if len(c.Args) >= 2 {
				d, err := shellDevice(c.Args)
				if err != nil {
					return err
				}
				devices = []*servo.Device{d}
			}
			for _, d := range devices {
				c.Printf("%d\t%s\n", d.Address(), d.GetState())
			}
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "stats",
		Completer: busNames,
		Help:      "stats <bus> <address> [clear]",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			d, err := shellDevice(c.Args)
			if err != nil {
				return err
			}
			stats := d.HeartbeatStats()
			c.Printf("heartbeat min %s max %s\n", stats.Min, stats.Max)
			if len(c.Args) >= 3 && c.Args[2] == "clear" {
				d.ClearHeartbeatStats()
			}
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "version",
		Completer: busNames,
		Help:      "version <bus> <address>",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			d, err := shellDevice(c.Args)
			if err != nil {
				return err
			}
			hardware, software, err := d.Versions(ctx)
			if err != nil {
				return err
			}
			c.Printf("hardware %s software %s\n", hardware, software)
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "push",
		Completer: busNames,
		Help:      "push <bus> <address> <position> <velocity> <duration ms> [acceleration]",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			if len(c.Args) < 5 {
				return errUsage
			}
			d, err := shellDevice(c.Args)
			if err != nil {
				return err
			}
			nums, err := parseFloats(c.Args[2:])
			if err != nil {
				return err
			}
			if nums[2] < 0 || nums[2] > servo.MAX_POINT_DURATION {
				return serr.NewStatusError(serr.StatusWrongArgument, "push", fmt.Errorf("duration %v out of range", nums[2]))
			}

			p := servo.PVT(float32(nums[0]), float32(nums[1]), uint32(nums[2]))
			if len(nums) > 3 {
				p = servo.PVAT(float32(nums[0]), float32(nums[1]), float32(nums[3]), uint32(nums[2]))
			}
			if err := d.Queue().Enqueue(ctx, p); err != nil {
				return err
			}
			c.Println("point queued")
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "start",
		Completer: busNames,
		Help:      "start <bus> [delay ms]",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			if len(c.Args) < 1 {
				return errUsage
			}
			var err error
			cmd := comms.Cmd{Cmd: comms.CMD_START, Bus: c.Args[0]}
			if len(c.Args) >= 2 {
				if cmd.Value, err = strconv.ParseFloat(c.Args[1], 64); err != nil {
					return err
				}
			}
			if err = ENV.Conductor.ProcessCommand(ctx, cmd); err != nil {
				return err
			}
			c.Printf("motion starts in %v ms\n", cmd.Value)
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "queue",
		Completer: busNames,
		Help:      "queue <bus> <address>",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			d, err := shellDevice(c.Args)
			if err != nil {
				return err
			}
			size, err := d.Queue().Size(ctx)
			if err != nil {
				return err
			}
			free, err := d.Queue().FreeSpace(ctx)
			if err != nil {
				return err
			}
			c.Printf("size %d free %d\n", size, free)
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "clear",
		Completer: busNames,
		Help:      "clear <bus> <address> [n], removes the last n points or the whole queue",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			d, err := shellDevice(c.Args)
			if err != nil {
				return err
			}
			if len(c.Args) >= 3 {
				n, err := strconv.ParseUint(c.Args[2], 10, 32)
				if err != nil {
					return err
				}
				return d.Queue().ClearTail(ctx, uint32(n))
			}
			return d.Queue().ClearAll(ctx)
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "ttime",
		Help: "ttime <start position> <end position> [bus address], minimal move time on the host or a device",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			if len(c.Args) < 2 {
				return errUsage
			}
			nums, err := parseFloats(c.Args[:2])
			if err != nil {
				return err
			}
			start := servo.Kinematics{Position: nums[0]}
			end := servo.Kinematics{Position: nums[1]}

			var ms uint32
			if len(c.Args) >= 4 {
				d, err := shellDevice(c.Args[2:])
				if err != nil {
					return err
				}
				ms, err = d.CalculateTimeOnDevice(ctx, start, end)
				if err != nil {
					return err
				}
			} else if ms, err = servo.CalculateTime(start, end, ENV.Controller.Limits()); err != nil {
				return err
			}
			c.Printf("%d ms\n", ms)
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "cache",
		Completer: busNames,
		Help:      "cache <bus> <address> [parameter on|off], lists or changes the cached parameters",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			d, err := shellDevice(c.Args)
			if err != nil {
				return err
			}
			if len(c.Args) >= 4 {
				p, err := servo.ParseParam(c.Args[2])
				if err != nil {
					return err
				}
				if err := d.Cache().Configure(ctx, p, c.Args[3] == "on"); err != nil {
					return err
				}
			}
			for _, p := range d.Cache().Enabled() {
				c.Println(p)
			}
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "refresh",
		Completer: busNames,
		Help:      "refresh <bus> <address>",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			d, err := shellDevice(c.Args)
			if err != nil {
				return err
			}
			if err := d.Cache().RefreshWithTimestamp(ctx); err != nil {
				return err
			}
			for _, p := range d.Cache().Enabled() {
				s, err := d.Cache().ReadCachedWithTimestamp(p)
				if err != nil {
					return err
				}
				c.Printf("%s\t%v\t%d\n", p, s.Value, s.Timestamp)
			}
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "read",
		Completer: busNames,
		Help:      "read <bus> <address> <parameter>",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			if len(c.Args) < 3 {
				return errUsage
			}
			d, err := shellDevice(c.Args)
			if err != nil {
				return err
			}
			p, err := servo.ParseParam(c.Args[2])
			if err != nil {
				return err
			}
			v, err := d.Cache().ReadDirect(ctx, p)
			if err != nil {
				return err
			}
			c.Printf("%s\t%v\n", p, v)
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "emcy",
		Completer: busNames,
		Help:      "emcy <bus>, prints and removes every logged fault",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			if len(c.Args) < 1 {
				return errUsage
			}
			bus, err := ENV.Controller.Bus(c.Args[0])
			if err != nil {
				return err
			}
			for {
				e, err := bus.ErrorLog().Pop()
				if errors.Is(err, serr.ErrEmpty) {
					return nil
				}
				if err != nil {
					return err
				}
				c.Printf("%s\tdevice %d\t0x%04X\t%s\n", e.At.Format(time.RFC3339), e.Source, e.Code, e.Description())
			}
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "reassign",
		Completer: busNames,
		Help:      "reassign <bus> <from> <to>, writes the new address to non-volatile memory",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			if len(c.Args) < 3 {
				return errUsage
			}
			bus, err := ENV.Controller.Bus(c.Args[0])
			if err != nil {
				return err
			}
			from, err := strconv.Atoi(c.Args[1])
			if err != nil {
				return err
			}
			to, err := strconv.Atoi(c.Args[2])
			if err != nil {
				return err
			}

			if err := bus.Reassign(ctx, from, to); err != nil {
				var re *serr.ReassignError
				if errors.As(err, &re) && re.Partial() {
					c.Printf("device may answer to %d or %d, check with state\n", from, to)
				}
				return err
			}
			c.Printf("device %d is now %d\n", from, to)
			return nil
		}),
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "ledger",
		Completer: busNames,
		Help:      "ledger [bus]",
		Func: run(func(ctx context.Context, c *ishell.Context) error {
			var bus string
			if len(c.Args) >= 1 {
				bus = c.Args[0]
			}
			records, err := ENV.Ledger.History(bus)
			if err != nil {
				return err
			}
			for _, rec := range records {
				c.Printf("%s\t%s\t%d -> %d\t%s\t%s\n", rec.Started.Format(time.RFC3339), rec.Bus, rec.From, rec.To, rec.Outcome, rec.Error)
			}
			return nil
		}),
	})

	return shell
}

// shellDevice resolves the <bus> <address> pair at the start of args.
func shellDevice(args []string) (*servo.Device, error) {
	if len(args) < 2 {
		return nil, errUsage
	}
	bus, err := ENV.Controller.Bus(args[0])
	if err != nil {
		return nil, err
	}
	addr, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, err
	}
	return bus.Device(addr)
}

func parseCmd(name string, args []string) (cmd comms.Cmd, err error) {
	if len(args) < 1 {
		return cmd, errUsage
	}
	cmd = comms.Cmd{Cmd: name, Bus: args[0]}
	if len(args) >= 2 {
		cmd.Address, err = strconv.Atoi(args[1])
	}
	return
}

// parseControl reads <bus> <address> followed by the setpoint and its
// limits. Brake takes on or off instead of a number.
func parseControl(name string, args []string) (cmd comms.Cmd, err error) {
	if len(args) < 2 {
		return cmd, errUsage
	}
	if cmd, err = parseCmd(name, args[:2]); err != nil {
		return
	}
	rest := args[2:]

	switch name {
	case comms.CMD_FREEZE, comms.CMD_RELEASE:
		if len(rest) != 0 {
			return cmd, errUsage
		}
		return
	case comms.CMD_BRAKE:
		if len(rest) != 1 {
			return cmd, errUsage
		}
		switch rest[0] {
		case "on":
			cmd.Value = 1
		case "off":
		default:
			return cmd, fmt.Errorf("brake is on or off, not '%s'", rest[0])
		}
		return
	}

	if len(rest) < 1 {
		return cmd, errUsage
	}
	nums, err := parseFloats(rest)
	if err != nil {
		return
	}
	cmd.Value = nums[0]
	if len(nums) > 1 {
		cmd.Limits = nums[1:]
	}
	return
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("'%s' is not a number", arg)
		}
		out[i] = v
	}
	return out, nil
}
