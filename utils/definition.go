package utils

import (
	"encoding/json"
	"os"
	"path/filepath"

	"grape/models"
)

func ReadDefinitionFileFromExtractionPath(extractionPath string) (*models.Definition, error) {
	definitionRawData, err := os.ReadFile(filepath.Join(extractionPath, "package.json"))
	if err != nil {
		return nil, err
	}

	var def *models.Definition
	if err = json.Unmarshal(definitionRawData, &def); err != nil {
		return nil, err
	}
	if def == nil {
		def = &models.Definition{}
	}

	return def, nil
}

// DetectProjectKind classifies an extracted source tree. An unreadable
// package.json falls through to the index.html check.
func DetectProjectKind(extractionPath string) models.ProjectKind {
	if def, err := ReadDefinitionFileFromExtractionPath(extractionPath); err == nil {
		return kindOf(def)
	}

	if _, err := os.Stat(filepath.Join(extractionPath, "index.html")); err == nil {
		return models.KindStatic
	}

	return models.KindUnknown
}

func kindOf(def *models.Definition) models.ProjectKind {
	_, hasBuild := def.Scripts["build"]

	switch {
	case hasDependency(def, "next"):
		return models.KindNextJS
	case hasDependency(def, "vite"):
		return models.KindVite
	case hasDependency(def, "react-scripts"):
		return models.KindCRA
	case hasBuild:
		return models.KindNode
	default:
		return models.KindStatic
	}
}

func hasDependency(def *models.Definition, name string) bool {
	if _, ok := def.Dependencies[name]; ok {
		return true
	}
	_, ok := def.DevDependencies[name]
	return ok
}
