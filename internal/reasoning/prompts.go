package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/graph"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/taxonomy"
)

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	},
	"phases": func() string {
		var lines []string
		for _, p := range taxonomy.Phases() {
			lines = append(lines, fmt.Sprintf("- %s (rank %d, exploitation %d%%)", p, taxonomy.Rank(p), taxonomy.ExploitationLevel(p)))
		}
		return strings.Join(lines, "\n")
	},
}

type network struct {
	Attacker  string
	Container string
}

var subnets = network{
	Attacker:  graph.AttackerSubnet,
	Container: graph.ContainerSubnet,
}

const inferenceSystem = `ROLE: Attack Graph Inference Agent.
You read intrusion-detection indicators and propose new attack phases on edges from attacker hosts to containers.

NETWORK
- Attacker subnet: {{.Attacker}}
- Containers subnet: {{.Container}}

PHASES (ordered)
{{phases}}

RULES
- Only propose edges whose "from" is in the attacker subnet and whose "to" is a listed container.
- Only propose phases that are not already on the edge.
- Every phase needs at least one verbatim evidence quote taken from the indicators.
- Propose nothing when the indicators show no new activity.

OUTPUT
A single JSON object: {"reasoning": string, "edge_updates": [{"from": ip, "to": ip, "new_phases": [{"phase": name, "evidence_quotes": [string]}]}]}
`

const inferenceUser = `Epoch {{.Epoch}}.

Security events:
{{json .Events}}

Current attack graph:
{{json .Graph}}

Exploitation levels:
{{json .Exploitation}}

Vulnerable containers:
{{json .Containers}}
`

const exposureSystem = `ROLE: Exposure Manager Agent.
You decide which single container to expose to the attacker this epoch, maximizing exploitation progress and attack-graph coverage.

NETWORK
- Attacker subnet: {{.Attacker}}
- Containers subnet: {{.Container}}

SELECTION POLICY
1. Expose exactly one container per epoch unless lockdown applies.
2. Keep an exposed container for at least two consecutive epochs; after that, rotate if there was no progress.
3. If the exploitation level increased last epoch, keep the container exposed unless it reached 100.
4. Never expose a container that is at 100 or exhausted.
5. Prefer containers that were never exposed until every open container has been exposed once.
6. Enter lockdown only when every container is at 100 or exhausted.

OUTPUT
A single JSON object: {"reasoning": string, "selected_container": {"ip": string, "service": string, "current_level": int}, "lockdown": bool}. Under lockdown "selected_container" may be {}.
`

const exposureUser = `Epoch {{.Epoch}}.

Available containers:
{{json .Containers}}

Exploitation levels:
{{json .Exploitation}}

Exposure registry:
{{json .Registry}}

Container standings (streak counts consecutive exposed epochs without progress):
{{json .Standings}}
{{if .Current}}
Currently exposed: {{.Current.IP}} ({{.Current.Service}})
{{end}}`

const firewallSystem = `ROLE: Firewall Executor Agent.
You enforce the selected exposure with the minimal set of firewall changes.

NETWORK
- Attacker subnet: {{.Attacker}}
- Containers subnet: {{.Container}}

RULES
- Never remove or modify the baseline rules (numbers 1 to 6).
- Add bidirectional allow rules between the attacker subnet and the selected container only.
- When rotating, remove the allow rules of the previously exposed container.
- If the exposure is already in place, return no actions.
- Under lockdown, remove every non-baseline allow rule.

OUTPUT
A single JSON object: {"reasoning": string, "action": [{"type": "AddAllowRule"|"AddBlockRule", "source_ip": ip, "dest_ip": ip, "protocol": "tcp"} | {"type": "RemoveFirewallRule", "rule_numbers": [int]}]}
`

const firewallUser = `Lockdown: {{.Lockdown}}
{{if .Selected}}Container to expose: {{.Selected.IP}} ({{.Selected.Service}}){{else}}Container to expose: none{{end}}

Current firewall rules:
{{json .Rules}}

Available containers:
{{json .Containers}}
`

var (
	inferenceSystemTmpl = template.Must(template.New("inference_system").Funcs(funcs).Parse(inferenceSystem))
	inferenceUserTmpl   = template.Must(template.New("inference_user").Funcs(funcs).Parse(inferenceUser))
	exposureSystemTmpl  = template.Must(template.New("exposure_system").Funcs(funcs).Parse(exposureSystem))
	exposureUserTmpl    = template.Must(template.New("exposure_user").Funcs(funcs).Parse(exposureUser))
	firewallSystemTmpl  = template.Must(template.New("firewall_system").Funcs(funcs).Parse(firewallSystem))
	firewallUserTmpl    = template.Must(template.New("firewall_user").Funcs(funcs).Parse(firewallUser))
)

func render(system, user *template.Template, data any) (Prompt, error) {
	var sys, usr strings.Builder
	if err := system.Execute(&sys, subnets); err != nil {
		return Prompt{}, fmt.Errorf("failed to render %s: %w", system.Name(), err)
	}
	if err := user.Execute(&usr, data); err != nil {
		return Prompt{}, fmt.Errorf("failed to render %s: %w", user.Name(), err)
	}
	return Prompt{System: sys.String(), User: usr.String()}, nil
}

// InferencePrompt renders the graph-inference prompt
func InferencePrompt(in InferenceInput) (Prompt, error) {
	return render(inferenceSystemTmpl, inferenceUserTmpl, in)
}

// ExposurePrompt renders the exposure-decision prompt
func ExposurePrompt(in ExposureInput) (Prompt, error) {
	return render(exposureSystemTmpl, exposureUserTmpl, in)
}

// FirewallPrompt renders the firewall-planning prompt
func FirewallPrompt(in FirewallInput) (Prompt, error) {
	return render(firewallSystemTmpl, firewallUserTmpl, in)
}
