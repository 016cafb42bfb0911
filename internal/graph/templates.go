package graph

import (
	"embed"
)

//go:embed templates/*.yaml
var templateFiles embed.FS

// Template returns the embedded built-in workflow with the given name
// (planning, revision, execute, single-task), when one exists.
func Template(name string) ([]byte, bool) {
	data, err := templateFiles.ReadFile("templates/" + name + ".yaml")
	if err != nil {
		return nil, false
	}
	return data, true
}

// TemplateNames lists the built-in workflow templates.
func TemplateNames() []string {
	entries, err := templateFiles.ReadDir("templates")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		names = append(names, name[:len(name)-len(".yaml")])
	}
	return names
}
