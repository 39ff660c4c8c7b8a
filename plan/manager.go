package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zllovesuki/subledger/event"

	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var validate = validator.New()

// ManagerOptions configures the plan catalog
type ManagerOptions struct {
	DB             *gorm.DB
	Logger         *zap.Logger
	PathToPlanJSON string
}

// Manager is the read-only plan catalog. Plans are seeded from a JSON file at boot and served from memory.
type Manager struct {
	ManagerOptions
	planArray      []Plan
	planIDIndexMap map[string]int
	productIndex   map[event.Provider]map[string]int
}

// NewManager loads the plan file, persists it and builds the lookup indices
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.PathToPlanJSON) == 0 {
		return nil, fmt.Errorf("empty PathToPlanJSON is invalid")
	}
	if err := option.DB.AutoMigrate(&Plan{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize plan.Manager")
	}

	plans, err := loadPlansFromFile(option.PathToPlanJSON)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot populate defined Plans")
	}

	m := &Manager{
		ManagerOptions: option,
		planArray:      plans,
		planIDIndexMap: make(map[string]int),
		productIndex: map[event.Provider]map[string]int{
			event.ProviderStripe:  {},
			event.ProviderAndroid: {},
			event.ProviderIOS:     {},
		},
	}
	if err := m.index(); err != nil {
		return nil, err
	}

	if len(plans) > 0 {
		result := option.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&m.planArray)
		if result.Error != nil {
			return nil, extErrors.Wrap(result.Error, "Cannot persist defined Plans")
		}
	}

	option.Logger.Info("Plan catalog loaded",
		zap.Int("plans", len(plans)),
	)

	return m, nil
}

// loadPlansFromFile will read from the plan JSON file to define what plans are available.
// Product identifiers must be unique per provider; a plan may omit a provider it is not sold on.
func loadPlansFromFile(filename string) ([]Plan, error) {
	jsonBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open plans JSON file")
	}
	plans := make([]Plan, 0, 1)
	if err := json.Unmarshal(jsonBytes, &plans); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan JSON file")
	}
	for i := range plans {
		if err := validate.Struct(&plans[i]); err != nil {
			return nil, extErrors.Wrapf(err, "Invalid plan at index %d", i)
		}
	}
	return plans, nil
}

func (m *Manager) index() error {
	for i, p := range m.planArray {
		if m.planIDIndexMap[p.ID] != 0 {
			return fmt.Errorf("duplicate plan id %s", p.ID)
		}
		m.planIDIndexMap[p.ID] = i + 1
		for provider, refs := range m.productIndex {
			ref := p.ProductRef(provider)
			if len(ref) == 0 {
				continue
			}
			if refs[ref] != 0 {
				return fmt.Errorf("product %s is mapped to more than one plan on %s", ref, provider)
			}
			refs[ref] = i + 1
		}
	}
	return nil
}

// List returns every defined plan
func (m *Manager) List() []Plan {
	return m.planArray
}

// GetByID returns the plan with the given id, or nil if none exists
func (m *Manager) GetByID(ctx context.Context, id string) (*Plan, error) {
	index := m.planIDIndexMap[id]
	if index == 0 {
		return nil, nil
	}
	p := m.planArray[index-1]
	return &p, nil
}

// FindByProviderProductRef resolves a provider product identifier, or returns nil if it is not in the catalog
func (m *Manager) FindByProviderProductRef(ctx context.Context, provider event.Provider, ref string) (*Plan, error) {
	refs, ok := m.productIndex[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %s", provider)
	}
	index := refs[ref]
	if index == 0 {
		return nil, nil
	}
	p := m.planArray[index-1]
	return &p, nil
}
