package oracle

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed prompts.toml
var embeddedPrompts []byte

// OverrideFileName is the operator prompt override inside the workspace
// directory.
const OverrideFileName = "prompts.toml"

// Content limits applied when rendering workspace context into prompts, in
// bytes. The recent-entity sample is large, so it gets the tighter cut.
const (
	batchContentLimit  = 500
	recentContentLimit = 200
)

// PromptPack holds the prompt text for both oracle operations.
type PromptPack struct {
	Extract  PromptSection `toml:"extract"`
	Organize PromptSection `toml:"organize"`
	Retry    RetrySection  `toml:"retry"`
}

// PromptSection pairs the fixed instruction text with the per-call data
// template for one operation.
type PromptSection struct {
	System string `toml:"system"`
	User   string `toml:"user"`
}

// RetrySection holds the feedback block appended on the validation retry.
type RetrySection struct {
	Feedback string `toml:"feedback"`
}

// DefaultPrompts parses the embedded pack.
func DefaultPrompts() (*PromptPack, error) {
	var p PromptPack
	if err := toml.Unmarshal(embeddedPrompts, &p); err != nil {
		return nil, fmt.Errorf("parse embedded prompts: %w", err)
	}
	return &p, nil
}

// LoadPrompts returns the embedded pack with any sections overridden by
// dir/prompts.toml. Decoding the override on top of the defaults means a
// partial file replaces only what it names. dir == "" skips the override.
func LoadPrompts(dir string) (*PromptPack, error) {
	pack, err := DefaultPrompts()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return pack, nil
	}

	path := filepath.Join(dir, OverrideFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return pack, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompt override: %w", err)
	}
	if err := toml.Unmarshal(data, pack); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return pack, nil
}

// promptRenderer holds the parsed templates for one client.
type promptRenderer struct {
	extractSystem  string
	organizeSystem string
	extractUser    *template.Template
	organizeUser   *template.Template
	feedback       *template.Template
}

func newPromptRenderer(p *PromptPack) (*promptRenderer, error) {
	for name, text := range map[string]string{
		"extract.system":  p.Extract.System,
		"extract.user":    p.Extract.User,
		"organize.system": p.Organize.System,
		"organize.user":   p.Organize.User,
		"retry.feedback":  p.Retry.Feedback,
	} {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("prompt pack: %s is empty", name)
		}
	}

	extractUser, err := template.New("extract").Parse(p.Extract.User)
	if err != nil {
		return nil, fmt.Errorf("parse extract template: %w", err)
	}
	organizeUser, err := template.New("organize").Parse(p.Organize.User)
	if err != nil {
		return nil, fmt.Errorf("parse organize template: %w", err)
	}
	feedback, err := template.New("feedback").Parse(p.Retry.Feedback)
	if err != nil {
		return nil, fmt.Errorf("parse feedback template: %w", err)
	}

	return &promptRenderer{
		extractSystem:  p.Extract.System,
		organizeSystem: p.Organize.System,
		extractUser:    extractUser,
		organizeUser:   organizeUser,
		feedback:       feedback,
	}, nil
}

type extractPromptData struct {
	Source     string
	SourceRef  string
	CapturedAt string
	Content    string
}

func (r *promptRenderer) renderExtract(req *ExtractionRequest) (string, error) {
	data := extractPromptData{
		Source:     string(req.Source),
		SourceRef:  req.SourceRef,
		CapturedAt: req.CapturedAt.Format(time.RFC3339),
		Content:    req.Content,
	}
	var sb strings.Builder
	if err := r.extractUser.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render extract prompt: %w", err)
	}
	return r.extractSystem + "\n\n" + sb.String(), nil
}

type organizePromptData struct {
	Entities []promptEntity
	Projects []promptProject
	Recent   []promptRecent
	Users    []promptUser
}

type promptEntity struct {
	Index   int
	Type    string
	Status  string
	Content string
	Tags    string
}

type promptProject struct {
	ID          string
	Name        string
	Description string
	Epics       []promptEpic
}

type promptEpic struct {
	ID   string
	Name string
}

type promptRecent struct {
	ID      string
	Type    string
	Content string
}

type promptUser struct {
	ID   string
	Name string
}

func (r *promptRenderer) renderOrganize(req *OrganizationRequest) (string, error) {
	data := organizePromptData{}

	for i, e := range req.Entities {
		data.Entities = append(data.Entities, promptEntity{
			Index:   i,
			Type:    string(e.Type),
			Status:  string(e.Status),
			Content: truncate(e.Content, batchContentLimit),
			Tags:    strings.Join(e.Tags, ", "),
		})
	}

	epicsByProject := make(map[string][]promptEpic)
	for _, ep := range req.Epics {
		epicsByProject[ep.ProjectID] = append(epicsByProject[ep.ProjectID], promptEpic{ID: ep.ID, Name: ep.Name})
	}
	for _, p := range req.Projects {
		data.Projects = append(data.Projects, promptProject{
			ID:          p.ID,
			Name:        p.Name,
			Description: truncate(p.Description, batchContentLimit),
			Epics:       epicsByProject[p.ID],
		})
	}

	for _, e := range req.Recent {
		data.Recent = append(data.Recent, promptRecent{
			ID:      e.ID,
			Type:    string(e.Type),
			Content: truncate(e.Content, recentContentLimit),
		})
	}

	for _, u := range req.Users {
		data.Users = append(data.Users, promptUser{ID: u.ID, Name: u.Name})
	}

	var sb strings.Builder
	if err := r.organizeUser.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render organize prompt: %w", err)
	}
	return r.organizeSystem + "\n\n" + sb.String(), nil
}

type feedbackData struct {
	Violations []string
	Response   string
}

// renderFeedback builds the retry prompt: the original prompt with the
// violation list and the model's previous output appended.
func (r *promptRenderer) renderFeedback(prompt, response string, violations []string) (string, error) {
	data := feedbackData{
		Violations: violations,
		Response:   truncate(response, 4000),
	}
	var sb strings.Builder
	if err := r.feedback.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render feedback prompt: %w", err)
	}
	return prompt + "\n\n" + sb.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
