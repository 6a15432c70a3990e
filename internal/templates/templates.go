// Package templates loads the immutable instructional configuration: prompt
// layer templates, instructor profiles, lessons, fallback messages and the
// validation policy. A Set is built once at startup and shared read-only.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed defaults
var defaultsFS embed.FS

// Layer names a prompt layer template file.
type Layer string

const (
	LayerIdentity       Layer = "identity"
	LayerRules          Layer = "teaching_rules"
	LayerContextUsage   Layer = "context_usage"
	LayerFallback       Layer = "fallback_strategy"
	LayerScopeReminder  Layer = "scope_reminder"
	LayerStrictReminder Layer = "strict_reminder"
)

const defaultFallbackKey = "default"

// RequiredLayers must be present in every template set.
var RequiredLayers = []Layer{LayerIdentity, LayerRules, LayerContextUsage, LayerFallback}

var optionalLayers = []Layer{LayerScopeReminder, LayerStrictReminder}

// Policy configures the response validator.
type Policy struct {
	SafetyPatterns         []string `yaml:"safety_patterns"`
	CharacterBreakPatterns []string `yaml:"character_break_patterns"`
	GuidingPhrases         []string `yaml:"guiding_phrases"`
	ScopeMinWords          int      `yaml:"scope_min_words"`
}

// Set is a loaded, validated template set. Safe for concurrent use.
type Set struct {
	layers    map[Layer]*template.Template
	profiles  map[string]*domain.InstructorProfile
	lessons   map[string]*domain.Lesson
	fallbacks map[string]string
	policy    Policy
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Default returns the template set compiled into the binary.
func Default() (*Set, error) {
	sub, err := fs.Sub(defaultsFS, "defaults")
	if err != nil {
		return nil, fmt.Errorf("open embedded templates: %w", err)
	}
	return Load(sub)
}

// LoadDir loads a template set from a directory. An empty dir selects the
// embedded defaults.
func LoadDir(dir string) (*Set, error) {
	if dir == "" {
		return Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: templates dir: %v", domain.ErrTemplateMissing, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: templates dir %s is not a directory", domain.ErrTemplateMissing, dir)
	}
	return Load(os.DirFS(dir))
}

// Load reads and validates a template set from fsys. Missing required layers,
// profiles, lessons or the default fallback message fail with
// domain.ErrTemplateMissing.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{
		layers:    make(map[Layer]*template.Template),
		profiles:  make(map[string]*domain.InstructorProfile),
		lessons:   make(map[string]*domain.Lesson),
		fallbacks: make(map[string]string),
	}

	for _, l := range RequiredLayers {
		tmpl, err := parseLayer(fsys, l)
		if err != nil {
			return nil, err
		}
		if tmpl == nil {
			return nil, fmt.Errorf("%w: layer %s", domain.ErrTemplateMissing, l)
		}
		s.layers[l] = tmpl
	}
	for _, l := range optionalLayers {
		tmpl, err := parseLayer(fsys, l)
		if err != nil {
			return nil, err
		}
		if tmpl != nil {
			s.layers[l] = tmpl
		}
	}

	if err := s.loadFallbacks(fsys); err != nil {
		return nil, err
	}
	if err := s.loadPolicy(fsys); err != nil {
		return nil, err
	}
	if err := s.loadProfiles(fsys); err != nil {
		return nil, err
	}
	if err := s.loadLessons(fsys); err != nil {
		return nil, err
	}
	return s, nil
}

func parseLayer(fsys fs.FS, l Layer) (*template.Template, error) {
	name := string(l) + ".md"
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return tmpl, nil
}

func (s *Set) loadFallbacks(fsys fs.FS) error {
	data, err := fs.ReadFile(fsys, "fallbacks.yaml")
	if err != nil {
		return fmt.Errorf("%w: fallbacks.yaml: %v", domain.ErrTemplateMissing, err)
	}
	if err := yaml.Unmarshal(data, &s.fallbacks); err != nil {
		return fmt.Errorf("parse fallbacks.yaml: %w", err)
	}
	if strings.TrimSpace(s.fallbacks[defaultFallbackKey]) == "" {
		return fmt.Errorf("%w: fallbacks.yaml has no %q message", domain.ErrTemplateMissing, defaultFallbackKey)
	}
	return nil
}

func (s *Set) loadPolicy(fsys fs.FS) error {
	data, err := fs.ReadFile(fsys, "policy.yaml")
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read policy.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.policy); err != nil {
		return fmt.Errorf("parse policy.yaml: %w", err)
	}
	return nil
}

func (s *Set) loadProfiles(fsys fs.FS) error {
	return loadDocs(fsys, "profiles", profileSchema, func(name string, data []byte) error {
		var p domain.InstructorProfile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		if _, dup := s.profiles[p.ID]; dup {
			return fmt.Errorf("%s: duplicate profile id %q", name, p.ID)
		}
		s.profiles[p.ID] = &p
		return nil
	})
}

func (s *Set) loadLessons(fsys fs.FS) error {
	return loadDocs(fsys, "lessons", lessonSchema, func(name string, data []byte) error {
		var l domain.Lesson
		if err := yaml.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		if _, dup := s.lessons[l.ID]; dup {
			return fmt.Errorf("%s: duplicate lesson id %q", name, l.ID)
		}
		for i, screen := range l.Screens {
			if screen.ID == "" {
				continue
			}
			n, err := domain.ParseScreenID(screen.ID)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if n != i+1 {
				return fmt.Errorf("%s: screen id %q at position %d", name, screen.ID, i+1)
			}
		}
		s.lessons[l.ID] = &l
		return nil
	})
}

// loadDocs validates every yaml file in dir against schema and hands it to fn.
// At least one document is required.
func loadDocs(fsys fs.FS, dir string, schema *gojsonschema.Schema, fn func(name string, data []byte) error) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrTemplateMissing, dir, err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || (path.Ext(e.Name()) != ".yaml" && path.Ext(e.Name()) != ".yml") {
			continue
		}
		name := path.Join(dir, e.Name())
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := validateDoc(name, schema, data); err != nil {
			return err
		}
		if err := fn(name, data); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("%w: no documents in %s", domain.ErrTemplateMissing, dir)
	}
	return nil
}

// Layer returns a parsed layer template.
func (s *Set) Layer(l Layer) (*template.Template, bool) {
	t, ok := s.layers[l]
	return t, ok
}

// Profile returns an instructor profile by id.
func (s *Set) Profile(id string) (*domain.InstructorProfile, error) {
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: profile %q", domain.ErrTemplateMissing, id)
	}
	return p, nil
}

// Lesson returns a lesson by id.
func (s *Set) Lesson(id string) (*domain.Lesson, error) {
	l, ok := s.lessons[id]
	if !ok {
		return nil, fmt.Errorf("%w: lesson %q", domain.ErrTemplateMissing, id)
	}
	return l, nil
}

// Fallback returns the pre-authored message for reason, or the default one.
func (s *Set) Fallback(reason string) string {
	if msg, ok := s.fallbacks[reason]; ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	return s.fallbacks[defaultFallbackKey]
}

// Policy returns the validation policy.
func (s *Set) Policy() Policy {
	return s.policy
}

// ProfileIDs returns the loaded profile ids in sorted order.
func (s *Set) ProfileIDs() []string {
	return sortedKeys(s.profiles)
}

// LessonIDs returns the loaded lesson ids in sorted order.
func (s *Set) LessonIDs() []string {
	return sortedKeys(s.lessons)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
