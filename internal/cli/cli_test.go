package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goDAGBFT/internal/config"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		configFile = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestKeygenDeterministicSeed(t *testing.T) {
	seed := strings.Repeat("01", crypto.SeedSize)
	out, err := execute(t, "keygen", "--scheme", crypto.SchemeEd25519, "--seed", seed, "--stake", "42")
	require.NoError(t, err)

	scheme, err := crypto.LookupScheme(crypto.SchemeEd25519)
	require.NoError(t, err)
	raw := bytes.Repeat([]byte{1}, crypto.SeedSize)
	signer, err := scheme.NewSigner(raw)
	require.NoError(t, err)
	assert.Contains(t, out, crypto.CalcValidatorID(signer.PublicKey()).String())

	var snippet keygenSnippet
	require.NoError(t, toml.Unmarshal([]byte(out), &snippet))
	assert.Equal(t, crypto.SchemeEd25519, snippet.Node.Scheme)
	assert.Equal(t, seed, snippet.Node.Seed)
	require.Len(t, snippet.Validators, 1)
	assert.Equal(t, uint64(42), snippet.Validators[0].Stake)

	id, err := snippet.Validators[0].ID()
	require.NoError(t, err)
	assert.Equal(t, crypto.CalcValidatorID(signer.PublicKey()), id)
}

func TestKeygenRejectsBadInput(t *testing.T) {
	_, err := execute(t, "keygen", "--scheme", "rsa", "--seed", "")
	assert.Error(t, err)

	_, err = execute(t, "keygen", "--scheme", crypto.SchemeEd25519, "--seed", "abcd")
	assert.Error(t, err)
}

func TestConfigInitAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err, "existing files are not overwritten")
	_, err = execute(t, "config", "init", "--force", path)
	require.NoError(t, err)
	configForce = false

	out, err = execute(t, "--conf", path, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration OK")
	assert.Contains(t, out, config.DefaultConfig().Node.Scheme)
}

func TestSimulateEquivocator(t *testing.T) {
	if testing.Short() {
		t.Skip("simulation in short mode")
	}
	out, err := execute(t, "simulate",
		"--honest", "4", "--byzantine", "1", "--behavior", "equivocate",
		"--vertices", "2", "--k", "3", "--alpha", "0.6", "--beta", "10",
		"--round-timeout", "100ms", "--timeout", "60s", "--quiet")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Validators: 5 (byzantine 1, equivocate)")
	assert.Contains(t, out, "Proposed: 2")
	assert.Contains(t, out, "FINALIZED")
	assert.Contains(t, out, "REPUTATION")
}

func TestSimulateConflictSeparator(t *testing.T) {
	t.Cleanup(func() { simulateOpts.separator = "" })

	simulateOpts.separator = ":"
	cfg, err := simulateConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg.ConflictKey)
	assert.Equal(t, "acct", cfg.ConflictKey(&consensus.Vertex{Payload: []byte("acct:A")}))

	simulateOpts.separator = ""
	cfg, err = simulateConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg.ConflictKey)

	_, err = execute(t, "simulate", "--conflict-separator", "::", "--quiet")
	assert.Error(t, err)
}

func TestSimulateRejectsUnknownBehavior(t *testing.T) {
	_, err := execute(t, "simulate", "--behavior", "gossip", "--quiet")
	assert.Error(t, err)
	simulateOpts.behavior = "equivocate"
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, rootCmd.Version)
	assert.Contains(t, out, crypto.SchemeMLDSA65)
}
