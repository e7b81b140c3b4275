package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/asdine/storm/v3"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/CodedInternet/servobus/comms"
	"github.com/CodedInternet/servobus/onboard"
	"github.com/CodedInternet/servobus/onboard/ledger"
	"github.com/CodedInternet/servobus/onboard/servo"
)

type EnvConfig struct {
	JWT_ISSUER string `env:"SERVOBUS_JWT_ISSUER" envDefault:"DEV"`
	JWT_SECRET string `env:"SERVOBUS_JWT_SECRET" envDefault:"xWumOlRfhu+LBi2F2e1yF4FiaopQ5mr8klL4fpILnlI="`
	DEBUG      bool   `env:"DEBUG" envDefault:"0"`
	DBFILE     string `env:"SERVOBUS_DB" envDefault:"./tmp/servobus.db"`
	CONFIG     string `env:"SERVOBUS_CONFIG" envDefault:"./servobus.yaml"`
	ADDR       string `env:"SERVOBUS_ADDR" envDefault:"0.0.0.0:8080"`
	DB         *storm.DB
	Ledger     *ledger.Ledger
	Controller *onboard.Controller
	Conductor  *comms.Conductor
	Log        *slog.Logger
}

var (
	ENV *EnvConfig
)

func init() {
	ENV = new(EnvConfig)
	if err := env.Parse(ENV); err != nil {
		panic(err)
	}
	ENV.Log = slog.Default()
}

func main() {
	simulated := flag.Bool("sim", false, "Run every bus on simulated servos")
	configFile := flag.String("config", ENV.CONFIG, "Path to the bus config")
	port := flag.String("port", ENV.ADDR, "Specify the ip:port to listen on")
	interactive := flag.Bool("shell", false, "Start the operator shell on stdin")
	flag.Parse()

	level := slog.LevelInfo
	if ENV.DEBUG {
		level = slog.LevelDebug
	}
	ENV.Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(ENV.Log)

	if err := setup(*configFile, *simulated); err != nil {
		ENV.Log.Error("unable to start", "error", err)
		os.Exit(1)
	}
	defer ENV.DB.Close()
	defer ENV.Controller.Close()

	// devices that fail to come up are reported, the rest stay usable
	if err := ENV.Controller.Start(context.Background()); err != nil {
		ENV.Log.Warn("bring up incomplete", "error", err)
	}

	unresolved, err := ENV.Ledger.Unresolved()
	if err != nil {
		ENV.Log.Error("unable to read the reassignment ledger", "error", err)
	}
	for _, rec := range unresolved {
		ENV.Log.Warn("unresolved reassignment, device may answer to either address",
			"bus", rec.Bus, "from", rec.From, "to", rec.To, "outcome", rec.Outcome, "started", rec.Started)
	}

	if *interactive {
		go newShell().Start()
	}

	ENV.Log.Info("listening", "addr", *port, "simulated", *simulated)
	if err := http.ListenAndServe(*port, routes()); err != nil {
		ENV.Log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// setup opens the database and the controller described by the config file.
func setup(configFile string, simulated bool) error {
	config, err := onboard.LoadConfig(configFile)
	if err != nil {
		return err
	}

	db, err := openDb(ENV.DBFILE)
	if err != nil {
		return err
	}
	ENV.DB = db

	if ENV.Ledger, err = ledger.New(db); err != nil {
		db.Close()
		return err
	}

	ENV.Controller, err = onboard.NewController(config, servo.Options{
		Logger: ENV.Log,
		Ledger: ENV.Ledger,
	}, simulated)
	if err != nil {
		db.Close()
		return err
	}
	ENV.Controller.Trace = ENV.DEBUG
	ENV.Conductor = comms.NewConductor(ENV.Controller, ENV.Log)
	return nil
}

func routes() http.Handler {
	r := chi.NewRouter()

	// A good base middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", Login)

		r.Group(func(r chi.Router) {
			// Seek, verify and validate JWT tokens
			r.Use(ValidateJWT)

			r.Get("/refresh_token", JWTRefresh)
			r.Get("/buses", ListBuses)
			r.Get("/ledger", GetLedger)

			r.Route("/buses/{bus}", func(r chi.Router) {
				r.Use(BusCtx)
				r.Post("/start", StartMotion)
				r.Get("/emcy", DrainEmcy)

				r.Route("/devices/{addr}", func(r chi.Router) {
					r.Use(DeviceCtx)
					r.Get("/", GetDevice)
					r.Get("/queue", GetQueue)
					r.Post("/points", PushPoints)
				})
			})
		})
	})

	r.Route("/ws", func(r chi.Router) {
		if !ENV.DEBUG {
			r.Use(ValidateJWT)
		} else {
			ENV.Log.Warn("running in debug mode, websocket authentication disabled")
		}

		r.Get("/events", EventsHandler)
	})

	return r
}

func openDb(dbFile string) (db *storm.DB, err error) {
	dir := filepath.Dir(dbFile)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return
	}

	db, err = storm.Open(dbFile)
	if err != nil {
		return
	}

	// call inits for each type
	if err := db.Init(&User{}); err != nil {
		db.Close()
		return nil, err
	}

	return
}
