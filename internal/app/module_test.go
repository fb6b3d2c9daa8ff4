package app

import (
	"encoding/json"
	"net/http"
	"testing"

	"marketchat/internal/server"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestModuleGraph(t *testing.T) {
	if err := fx.ValidateApp(Module()); err != nil {
		t.Fatal(err)
	}
}

func TestStartsWithMemoryBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("APP_PORT", "0")
	t.Setenv("APP_MODE", "test")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("KAFKA_BROKERS", "")

	var srv *server.Server
	app := fxtest.New(t, Module(), fx.Populate(&srv))
	app.RequireStart()
	defer app.RequireStop()

	resp, err := http.Get("http://" + srv.Addr().String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !body.Success {
		t.Fatalf("health body: %v, success=%v", err, body.Success)
	}

	resp, err = http.Get("http://" + srv.Addr().String() + "/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list = %d", resp.StatusCode)
	}
}
