//go:build e2e

package scenarios

import (
	"testing"

	"github.com/felixgeelhaar/pluginhost/e2e/framework"
	"github.com/felixgeelhaar/pluginhost/internal/testutil"
	"github.com/felixgeelhaar/pluginhost/internal/testutil/wasm"
)

func calcManifest() string {
	return testutil.NewManifestBuilder("calc").
		WithDescription("adds numbers").
		WithTypedExport("add", []string{"i32", "i32"}, []string{"i32"}).
		WithCapability("filesystem-read:/srv/data").
		YAML()
}

func TestVersion_ShowsVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	framework.NewScenario(t).
		When("I run pluginhost version", func(r *framework.Runner) *framework.Result {
			return r.Version()
		}).
		Then("the command succeeds", func(t *testing.T, r *framework.Result) {
			framework.AssertSuccess(t, r)
		}).
		And("the output shows version information", func(t *testing.T, r *framework.Result) {
			framework.AssertStdoutContains(t, r, "pluginhost")
		})
}

func TestRun_OneShotInvocation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	var bundleDir string
	framework.NewScenario(t).
		Given("a calc bundle on disk", func(env *framework.Environment, _ *framework.Runner) {
			bundleDir = env.WriteBundle("calc", calcManifest(), wasm.Add())
		}).
		When("I run its add export", func(r *framework.Runner) *framework.Result {
			return r.Run("run", bundleDir, "add", "40", "2")
		}).
		Then("the command succeeds", func(t *testing.T, r *framework.Result) {
			framework.AssertSuccess(t, r)
		}).
		And("the result is printed", func(t *testing.T, r *framework.Result) {
			framework.AssertStdoutEquals(t, r, "42\n")
		})
}

func TestInstallGrantList(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	scenario := framework.NewScenario(t)
	scenario.
		Given("an installed calc bundle", func(env *framework.Environment, r *framework.Runner) {
			framework.AssertSuccess(t, r.Install(env.WriteBundle("calc", calcManifest(), wasm.Add())))
		}).
		When("I grant its requested capability", func(r *framework.Runner) *framework.Result {
			return r.Grant("calc", "filesystem-read:/srv/data", "allow")
		}).
		Then("the decision is recorded", func(t *testing.T, r *framework.Result) {
			framework.AssertSuccess(t, r)
			framework.AssertStdoutContains(t, r, "calc allowed filesystem-read:/srv/data")
		}).
		And("the grant store was created", func(t *testing.T, _ *framework.Result) {
			framework.AssertDataFileExists(t, scenario.Environment(), "grants.db")
		}).
		When("I list plugins", func(r *framework.Runner) *framework.Result {
			return r.Run("list")
		}).
		Then("the installed bundle is shown", func(t *testing.T, r *framework.Result) {
			framework.AssertSuccess(t, r)
			framework.AssertStdoutContains(t, r, "adds numbers")
		})
}

func TestServe_InvokeAndStop(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	framework.NewScenario(t).
		Given("a serving host with calc installed", func(env *framework.Environment, r *framework.Runner) {
			framework.AssertSuccess(t, r.Install(env.WriteBundle("calc", calcManifest(), wasm.Add())))
			framework.AssertSuccess(t, r.Serve())
		}).
		When("I invoke calc through the control socket", func(r *framework.Runner) *framework.Result {
			return r.Run("invoke", "calc", "add", "2", "3")
		}).
		Then("the result comes back", func(t *testing.T, r *framework.Result) {
			framework.AssertSuccess(t, r)
			framework.AssertStdoutEquals(t, r, "5\n")
		}).
		When("I invoke an unknown plugin", func(r *framework.Runner) *framework.Result {
			return r.Run("invoke", "nope", "add")
		}).
		Then("the command fails with a message", func(t *testing.T, r *framework.Result) {
			framework.AssertFailed(t, r)
			framework.AssertStderrContains(t, r, "Error:")
		}).
		When("I stop the host", func(r *framework.Runner) *framework.Result {
			return r.Run("stop")
		}).
		Then("it reports stopping", func(t *testing.T, r *framework.Result) {
			framework.AssertSuccess(t, r)
			framework.AssertStdoutContains(t, r, "Host stopped.")
		})
}
