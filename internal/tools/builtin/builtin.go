// Package builtin assembles the stock plugin set: workspace file
// tools, web fetch, small utility tools and the skills registry
// service.
package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/commands"
	"github.com/hua-bang/pulse-coder-sub000/internal/config"
	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
	"github.com/hua-bang/pulse-coder-sub000/internal/plugins"
	"github.com/hua-bang/pulse-coder-sub000/internal/skills"
	"github.com/hua-bang/pulse-coder-sub000/internal/tools/files"
	"github.com/hua-bang/pulse-coder-sub000/internal/tools/webfetch"
)

// SkillServiceName is the service key the skills registry is published
// under during plugin bring-up.
const SkillServiceName = "skillRegistry"

// Plugins returns the default plugin set for the given config.
func Plugins(cfg *config.Config, skillReg *skills.Registry) []*plugins.Plugin {
	set := []*plugins.Plugin{
		FilesPlugin(files.Config{
			Workspace:    cfg.Tools.Workspace,
			MaxReadBytes: int(cfg.Tools.MaxReadBytes),
		}),
		UtilityPlugin(),
	}
	if cfg.Tools.FetchEnabled {
		set = append(set, WebFetchPlugin(webfetch.Config{}))
	}
	if skillReg != nil {
		set = append(set, SkillsPlugin(skillReg))
	}
	return set
}

// FilesPlugin registers the workspace file tools.
func FilesPlugin(cfg files.Config) *plugins.Plugin {
	return &plugins.Plugin{
		Name:    "files",
		Version: "1.0.0",
		Initialize: func(ctx context.Context, ic *plugins.InitContext) error {
			return ic.RegisterTools(
				files.NewReadTool(cfg),
				files.NewWriteTool(cfg),
				files.NewListTool(cfg),
			)
		},
	}
}

// WebFetchPlugin registers the bounded HTTP fetch tool.
func WebFetchPlugin(cfg webfetch.Config) *plugins.Plugin {
	return &plugins.Plugin{
		Name:    "webfetch",
		Version: "1.0.0",
		Initialize: func(ctx context.Context, ic *plugins.InitContext) error {
			return ic.RegisterTool(webfetch.New(cfg))
		},
	}
}

// UtilityPlugin registers the clock and echo tools.
func UtilityPlugin() *plugins.Plugin {
	return &plugins.Plugin{
		Name:    "utility",
		Version: "1.0.0",
		Initialize: func(ctx context.Context, ic *plugins.InitContext) error {
			return ic.RegisterTools(clockTool(), echoTool())
		},
	}
}

// SkillsPlugin publishes the skill registry as a service and hooks the
// chosen skill's text into the system prompt per run.
func SkillsPlugin(reg *skills.Registry) *plugins.Plugin {
	return &plugins.Plugin{
		Name:    "skills",
		Version: "1.0.0",
		Initialize: func(ctx context.Context, ic *plugins.InitContext) error {
			ic.RegisterService(SkillServiceName, SkillCatalog{Registry: reg})
			return ic.RegisterHook(hooks.BeforeLLMCall, reg.PromptHook())
		},
	}
}

// SkillCatalog adapts the skills registry to the command router's
// SkillSource.
type SkillCatalog struct {
	Registry *skills.Registry
}

// Skills lists the registered skills for /skills resolution.
func (c SkillCatalog) Skills() []commands.SkillInfo {
	if c.Registry == nil {
		return nil
	}
	list := c.Registry.List()
	infos := make([]commands.SkillInfo, 0, len(list))
	for _, skill := range list {
		infos = append(infos, commands.SkillInfo{
			Name:        skill.Name,
			Description: skill.Description,
		})
	}
	return infos
}

func clockTool() agent.Tool {
	return agent.NewFuncTool(
		"clock",
		"Returns the current time in RFC 3339 form.",
		json.RawMessage(`{"type":"object","properties":{}}`),
		func(ctx context.Context, input json.RawMessage, ec *agent.ExecContext) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"now": time.Now().Format(time.RFC3339)})
		},
	)
}

func echoTool() agent.Tool {
	return agent.NewFuncTool(
		"echo",
		"Echoes the given text back, for wiring checks.",
		json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
		func(ctx context.Context, input json.RawMessage, ec *agent.ExecContext) (json.RawMessage, error) {
			var params struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"text": params.Text})
		},
	)
}
