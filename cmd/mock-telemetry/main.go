package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"fleetwatch/internal/telemetry"
)

// Mock upstream for local development: serves a small fleet of vehicles that
// drift around a fixed point, and accepts chat sends so the monitor can run
// end to end without real credentials.

type config struct {
	Port       string  `envconfig:"PORT" default:"9090"`
	Vehicles   int     `envconfig:"MOCK_VEHICLES" default:"5"`
	CenterLat  float64 `envconfig:"MOCK_CENTER_LAT" default:"45.4642"`
	CenterLng  float64 `envconfig:"MOCK_CENTER_LNG" default:"9.1900"`
	SpreadDeg  float64 `envconfig:"MOCK_SPREAD_DEG" default:"0.02"`
	StepDeg    float64 `envconfig:"MOCK_STEP_DEG" default:"0.001"`
	FailEveryN int     `envconfig:"MOCK_FAIL_EVERY_N" default:"0"`
}

type server struct {
	cfg   config
	rng   *rand.Rand
	calls int

	mu    sync.Mutex
	fleet []telemetry.VehicleFix
	sent  []map[string]string
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	s := &server{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	s.seedFleet()

	router := mux.NewRouter()
	router.HandleFunc("/v1/positions", s.handlePositions).Methods(http.MethodGet)
	router.HandleFunc("/v1/accounts/{AccountID}/messages", s.handleChatSend).Methods(http.MethodPost)
	router.HandleFunc("/v1/messages", s.handleListSent).Methods(http.MethodGet)

	slog.Info("mock telemetry listening", "port", cfg.Port, "vehicles", cfg.Vehicles)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock telemetry server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) seedFleet() {
	plates := []string{"AB123CD", "EF456GH", "IJ789KL", "MN012OP", "QR345ST", "UV678WX"}
	for i := 0; i < s.cfg.Vehicles; i++ {
		plate := plates[i%len(plates)]
		s.fleet = append(s.fleet, telemetry.VehicleFix{
			VehicleID: "ext-" + plate,
			Plate:     plate,
			Name:      "Mock " + plate,
			FleetID:   "fleet-1",
			Latitude:  s.cfg.CenterLat + (s.rng.Float64()*2-1)*s.cfg.SpreadDeg,
			Longitude: s.cfg.CenterLng + (s.rng.Float64()*2-1)*s.cfg.SpreadDeg,
		})
	}
}

func (s *server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.cfg.FailEveryN > 0 && s.calls%s.cfg.FailEveryN == 0 {
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	now := time.Now().UTC()
	for i := range s.fleet {
		s.fleet[i].Latitude += (s.rng.Float64()*2 - 1) * s.cfg.StepDeg
		s.fleet[i].Longitude += (s.rng.Float64()*2 - 1) * s.cfg.StepDeg
		s.fleet[i].SpeedKmh = s.rng.Float64() * 90
		s.fleet[i].Heading = s.rng.Float64() * 360
		s.fleet[i].Timestamp = now
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.fleet)
}

func (s *server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"error":"bad form"}`, http.StatusBadRequest)
		return
	}
	msg := map[string]string{
		"account": mux.Vars(r)["AccountID"],
		"to":      r.PostFormValue("To"),
		"body":    r.PostFormValue("Body"),
	}

	s.mu.Lock()
	s.sent = append(s.sent, msg)
	n := len(s.sent)
	s.mu.Unlock()

	slog.Info("mock chat send", "to", msg["to"], "total", n)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message_id": "mock-" + time.Now().UTC().Format("150405.000"),
		"status":     "sent",
	})
}

func (s *server) handleListSent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]map[string]string, len(s.sent))
	copy(out, s.sent)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
