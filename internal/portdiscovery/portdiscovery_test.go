package portdiscovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_classifies_known_dev_commands(t *testing.T) {
	output := `turbo dry-run report follows
{"tasks":[
  {"command":"next dev"},
  {"command":"next dev --port 3000"},
  {"command":"PORT=8080 node server.js"},
  {"command":"vite"},
  {"command":"vitest run"},
  {"command":"astro dev"},
  {"command":"wrangler dev"},
  {"command":"storybook dev"}
]}
done`

	ports, err := ParseOutput(output)
	require.NoError(t, err)
	require.Equal(t, []int{3000, 4321, 5173, 6006, 8080, 8787}, ports)
}

func Test_explicit_port_flag_forms(t *testing.T) {
	cases := []struct {
		command string
		want    int
	}{
		{"next dev --port=4000", 4000},
		{"node server.js -p 9000", 9000},
		{"node server.js -p9000", 9000},
		{"node server.js --listen 0.0.0.0:7000", 7000},
		{"node server.js --listen 7000", 7000},
		{"curl http://localhost:9200/status", 9200},
	}
	for _, c := range cases {
		output := `{"tasks":[{"command":"` + c.command + `"}]}`
		ports, err := ParseOutput(output)
		require.NoError(t, err)
		require.Equal(t, []int{c.want}, ports, c.command)
	}
}

func Test_duplicate_ports_collapse_across_tasks(t *testing.T) {
	output := `{"tasks":[{"command":"next dev"},{"command":"nuxt dev"},{"command":"remix dev"}]}`
	ports, err := ParseOutput(output)
	require.NoError(t, err)
	require.Equal(t, []int{3000}, ports)
}

func Test_out_of_range_ports_are_dropped(t *testing.T) {
	output := `{"tasks":[{"command":"node x.js --port 70000"},{"command":"node x.js --port 0"}]}`
	ports, err := ParseOutput(output)
	require.NoError(t, err)
	require.Empty(t, ports)
}

func Test_unclassifiable_command_yields_no_port(t *testing.T) {
	output := `{"tasks":[{"command":"echo hello"}]}`
	ports, err := ParseOutput(output)
	require.NoError(t, err)
	require.Empty(t, ports)
}

func Test_missing_json_object_is_an_error(t *testing.T) {
	_, err := ParseOutput("no json here")
	require.Error(t, err)
}

func Test_json_embedded_in_log_noise_is_extracted(t *testing.T) {
	output := "info: starting dry run\n" + `{"tasks":[{"command":"astro dev"}]}` + "\nwarn: done (took 40ms)"
	ports, err := ParseOutput(output)
	require.NoError(t, err)
	require.Equal(t, []int{4321}, ports)
}
