// Package local persists metadata as JSON files on the local filesystem.
package local

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/berth/internal/models"
)

// LocalRecipeRepository persists saved recipes in JSON files under BaseDir.
type LocalRecipeRepository struct {
	BaseDir string
}

// Save stores the recipe under its name, assigning an ID and creation time
// when absent. Saving an existing name overwrites the previous recipe.
func (rep *LocalRecipeRepository) Save(recipe models.SavedRecipe) (models.SavedRecipe, error) {
	if rep.BaseDir == "" {
		return models.SavedRecipe{}, errors.New("base directory is not configured")
	}
	if recipe.Name == "" {
		return models.SavedRecipe{}, errors.New("recipe name is required")
	}

	if recipe.ID == "" {
		recipe.ID = uuid.NewString()
	}
	if recipe.CreatedAt.IsZero() {
		recipe.CreatedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return models.SavedRecipe{}, err
	}

	payload, err := json.MarshalIndent(recipe, "", "  ")
	if err != nil {
		return models.SavedRecipe{}, err
	}

	path := filepath.Join(rep.BaseDir, recipe.Name+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return models.SavedRecipe{}, err
	}
	return recipe, nil
}

// Get returns the saved recipe with the provided name, or nil when absent.
func (rep *LocalRecipeRepository) Get(name string) (*models.SavedRecipe, error) {
	if name == "" {
		return nil, errors.New("recipe name is required")
	}
	return rep.load(filepath.Join(rep.BaseDir, name+".json"))
}

// ListAll returns every saved recipe, in directory order.
func (rep *LocalRecipeRepository) ListAll() ([]models.SavedRecipe, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var recipes []models.SavedRecipe
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		recipe, err := rep.load(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if recipe != nil {
			recipes = append(recipes, *recipe)
		}
	}
	return recipes, nil
}

// Delete removes the saved recipe with the provided name. Deleting an
// absent recipe is a no-op.
func (rep *LocalRecipeRepository) Delete(name string) error {
	if name == "" {
		return errors.New("recipe name is required")
	}
	path := filepath.Join(rep.BaseDir, name+".json")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (rep *LocalRecipeRepository) load(path string) (*models.SavedRecipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var recipe models.SavedRecipe
	if err := json.Unmarshal(data, &recipe); err != nil {
		return nil, err
	}
	return &recipe, nil
}
