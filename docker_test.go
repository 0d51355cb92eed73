package notifylink_test

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type composeService struct {
	Image     string                       `yaml:"image"`
	Command   []string                     `yaml:"command"`
	Ports     []string                     `yaml:"ports"`
	Networks  []string                     `yaml:"networks"`
	DependsOn map[string]map[string]string `yaml:"depends_on"`
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]*struct {
		Internal bool `yaml:"internal"`
	} `yaml:"networks"`
}

func loadCompose(t *testing.T) composeFile {
	t.Helper()
	data, err := os.ReadFile("docker-compose.yml")
	require.NoError(t, err)
	var c composeFile
	require.NoError(t, yaml.Unmarshal(data, &c))
	return c
}

// dockerfileInstructions は最終ステージの命令を 命令名 → 引数 の一覧で返す。
func dockerfileInstructions(t *testing.T) (stages []string, final map[string][]string) {
	t.Helper()
	data, err := os.ReadFile("Dockerfile")
	require.NoError(t, err)

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, args, _ := strings.Cut(line, " ")
		if name == "FROM" {
			stages = append(stages, args)
			final = map[string][]string{}
			continue
		}
		final[name] = append(final[name], args)
	}
	return stages, final
}

func TestDockerfile_FinalStageRunsNotifylink(t *testing.T) {
	stages, final := dockerfileInstructions(t)

	require.Len(t, stages, 2, "ビルドと実行の2ステージ構成")
	assert.True(t, strings.HasPrefix(stages[0], "golang:"))
	assert.Contains(t, stages[1], "gcr.io/distroless/static")
	assert.Contains(t, stages[1], "nonroot")

	assert.Equal(t, []string{`["/usr/local/bin/notifylink"]`}, final["ENTRYPOINT"])
	assert.Equal(t, []string{`["serve"]`}, final["CMD"])
	require.Len(t, final["HEALTHCHECK"], 1)
	// distrolessにはcurlが無いため、バイナリ自身のhealthcheckサブコマンドを使う
	assert.Contains(t, final["HEALTHCHECK"][0], `"healthcheck"`)
	assert.Equal(t, []string{"8080"}, final["EXPOSE"])
}

func TestDockerfile_StaticBuild(t *testing.T) {
	data, err := os.ReadFile("Dockerfile")
	require.NoError(t, err)

	// modernc sqliteはCGO不要なので静的バイナリにできる
	assert.Contains(t, string(data), "CGO_ENABLED=0")
	assert.Contains(t, string(data), "./cmd/notifylink")
}

func TestDockerCompose_ServiceCommands(t *testing.T) {
	c := loadCompose(t)

	tests := map[string][]string{
		"migrate": {"migrate"},
		"api":     {"serve"},
		"worker":  {"worker"},
	}
	for name, want := range tests {
		svc, ok := c.Services[name]
		require.True(t, ok, "service %q", name)
		assert.Equal(t, want, svc.Command, "service %q", name)
	}
	assert.True(t, strings.HasPrefix(c.Services["db"].Image, "postgres:"))
}

func TestDockerCompose_MigrateRunsBeforeAppContainers(t *testing.T) {
	c := loadCompose(t)

	assert.Equal(t, "service_healthy", c.Services["migrate"].DependsOn["db"]["condition"])
	for _, name := range []string{"api", "worker"} {
		dep, ok := c.Services[name].DependsOn["migrate"]
		require.True(t, ok, "%s should depend on migrate", name)
		assert.Equal(t, "service_completed_successfully", dep["condition"], "%s", name)
	}
}

func TestDockerCompose_OnlyAPIHasEgress(t *testing.T) {
	c := loadCompose(t)

	require.Contains(t, c.Networks, "internal")
	require.NotNil(t, c.Networks["internal"])
	assert.True(t, c.Networks["internal"].Internal)
	require.Contains(t, c.Networks, "external")

	// LINEのAPIを呼び出すのはAPIサーバーだけ
	for name, svc := range c.Services {
		hasExternal := false
		for _, n := range svc.Networks {
			if n == "external" {
				hasExternal = true
			}
		}
		if name == "api" {
			assert.True(t, hasExternal, "api should reach the LINE APIs")
			assert.Equal(t, []string{"8080:8080"}, svc.Ports)
			continue
		}
		assert.False(t, hasExternal, "%s must stay on the internal network", name)
		assert.Empty(t, svc.Ports, "%s must not publish ports", name)
	}
}
