package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-delve/framelock/pkg/foreign"
)

const sampleConfig = `
initial-frames: 1
hooks:
  - {symbol: "Game::tick(World*)", policy: before, action: tick, root-arg: 1, required: true}
  - {symbol: rng_next, policy: replace, action: override, default-return: 4}
  - {symbol: "Player::jump()", policy: after, action: trace}
root-layout: World
watch: [frame, player.hp]
layouts:
  - name: World
    size: 16
    fields:
      - {name: frame, offset: 0, kind: uint64}
      - {name: player, offset: 8, kind: ptr, layout: Player}
  - name: Player
    size: 24
    fields:
      - {name: hp, offset: 0, kind: int32}
      - {name: pos, offset: 4, kind: array, elem: float32, len: 3}
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != DefaultListen {
		t.Fatalf("listen defaulted to %q", c.Listen)
	}
	if c.TLS.Enabled() {
		t.Fatalf("tls enabled without files: %+v", c.TLS)
	}
	if c.InitialFrames != 1 || len(c.Hooks) != 3 || len(c.Watch) != 2 {
		t.Fatalf("unexpected config %+v", c)
	}
	tick := c.Hooks[0]
	if tick.Symbol != "Game::tick(World*)" || tick.Action != ActionTick || tick.RootArg != 1 || !tick.Required {
		t.Fatalf("unexpected tick hook %+v", tick)
	}
	if c.Hooks[1].DefaultReturn != 4 {
		t.Fatalf("unexpected override hook %+v", c.Hooks[1])
	}

	tbl, err := foreign.BuildTable(c.LayoutSpecs())
	if err != nil {
		t.Fatal(err)
	}
	world, ok := tbl.Get("World")
	if !ok || world.Size != 16 {
		t.Fatalf("World layout %v", world)
	}
	if d, ok := world.Field("player"); !ok || d.Layout == nil || d.Layout.Name != "Player" {
		t.Fatalf("player field %v", d)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name, data, want string
	}{
		{"unknown key", "listn: x\n", "unable to decode"},
		{"no symbol", "hooks: [{policy: before, action: trace}]\n", "missing symbol"},
		{"bad policy", "hooks: [{symbol: f, policy: around, action: trace}]\n", "unknown hook policy"},
		{"bad action", "hooks: [{symbol: f, policy: before, action: jump}]\n", "unknown action"},
		{"override policy", "hooks: [{symbol: f, policy: after, action: override}]\n", "replace policy"},
		{"twice", "hooks: [{symbol: f, policy: before, action: trace}, {symbol: f, policy: after, action: trace}]\n", "twice"},
		{"no root layout", "hooks: [{symbol: f, policy: before, action: tick}]\n", "root-layout"},
		{"two ticks", "root-layout: W\nhooks: [{symbol: f, policy: before, action: tick}, {symbol: g, policy: before, action: tick}]\n", "at most one"},
		{"root arg", "root-layout: W\nhooks: [{symbol: f, policy: before, action: tick, root-arg: 6}]\n", "root-arg"},
		{"negative frames", "initial-frames: -1\n", "initial-frames"},
		{"tls without key", "tls: {cert: agent.crt}\n", "cert and key"},
	} {
		_, err := Parse([]byte(tc.data))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestParseTLS(t *testing.T) {
	c, err := Parse([]byte("tls: {cert: agent.crt, key: agent.key, ca: ca.crt}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.TLS.Cert != "agent.crt" || c.TLS.Key != "agent.key" || c.TLS.CA != "ca.crt" {
		t.Fatalf("unexpected tls section %+v", c.TLS)
	}
}

func TestDefaultConfigParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	if err := createDefaultConfig(path); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("default config does not load: %v", err)
	}
	if c.Listen != DefaultListen || len(c.Hooks) != 0 {
		t.Fatalf("unexpected default config %+v", c)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yml")
	if err := os.WriteFile(path, []byte("listen: 127.0.0.1:0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configEnv, path)
	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != "127.0.0.1:0" {
		t.Fatalf("listen %q", c.Listen)
	}
}
