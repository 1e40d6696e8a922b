package storage

import (
	"sort"

	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"

	"github.com/txguard/txguard/log"
)

// ErrRuleNotFound is returned for lookups of absent rules.
var ErrRuleNotFound = errors.New("rule not found")

// ErrUnknownRuleKind is returned for rule kinds outside the four families.
var ErrUnknownRuleKind = errors.New("unknown rule kind")

// RuleStore owns the four rule families and the merged active snapshot the
// worker evaluates against.
type RuleStore struct {
	db *gorm.DB
}

func NewRuleStore(db *gorm.DB) *RuleStore {
	return &RuleStore{db: db}
}

// RuleSet groups every stored rule per family, newest update first.
type RuleSet struct {
	ThresholdRules []ThresholdRule `json:"threshold_rules"`
	CompositeRules []CompositeRule `json:"composite_rules"`
	PatternRules   []PatternRule   `json:"pattern_rules"`
	MLRules        []MLRule        `json:"ml_rules"`
}

func (s *RuleStore) All() (*RuleSet, error) {
	var out RuleSet
	if err := s.db.Order("updated_at DESC").Find(&out.ThresholdRules).Error; err != nil {
		return nil, errors.Wrap(err, "list threshold rules")
	}
	if err := s.db.Order("updated_at DESC").Find(&out.CompositeRules).Error; err != nil {
		return nil, errors.Wrap(err, "list composite rules")
	}
	if err := s.db.Order("updated_at DESC").Find(&out.PatternRules).Error; err != nil {
		return nil, errors.Wrap(err, "list pattern rules")
	}
	if err := s.db.Order("updated_at DESC").Find(&out.MLRules).Error; err != nil {
		return nil, errors.Wrap(err, "list ml rules")
	}
	return &out, nil
}

// Get fetches one rule by kind and id. The returned value is a pointer to
// the concrete model.
func (s *RuleStore) Get(kind string, id uint) (interface{}, error) {
	var dest interface{}
	switch kind {
	case KindThreshold:
		dest = &ThresholdRule{}
	case KindComposite:
		dest = &CompositeRule{}
	case KindPattern:
		dest = &PatternRule{}
	case KindML:
		dest = &MLRule{}
	default:
		return nil, ErrUnknownRuleKind
	}
	err := s.db.Where("id = ?", id).First(dest).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s rule %d", kind, id)
	}
	return dest, nil
}

// Validator is implemented by every rule model.
type Validator interface {
	Validate() error
}

// Create validates and persists a new rule.
func (s *RuleStore) Create(rule Validator) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return errors.Wrap(s.db.Create(rule).Error, "create rule")
}

// Save validates and persists an updated rule.
func (s *RuleStore) Save(rule Validator) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return errors.Wrap(s.db.Save(rule).Error, "save rule")
}

// Delete removes one rule by kind and id.
func (s *RuleStore) Delete(kind string, id uint) error {
	rule, err := s.Get(kind, id)
	if err != nil {
		return err
	}
	return errors.Wrap(s.db.Delete(rule).Error, "delete rule")
}

// ActiveSnapshot loads every active rule from all four families into one
// merged sequence sorted by (updated_at ascending, id ascending). Composite
// bodies that fail to parse are skipped with a logged event instead of
// poisoning the snapshot.
func (s *RuleStore) ActiveSnapshot() ([]RuleRecord, error) {
	logger := log.NewModuleLogger("storage")
	var merged []RuleRecord

	var thresholds []ThresholdRule
	if err := s.db.Where("is_active = ?", true).Find(&thresholds).Error; err != nil {
		return nil, errors.Wrap(err, "active threshold rules")
	}
	for i := range thresholds {
		r := thresholds[i]
		merged = append(merged, RuleRecord{
			Kind: KindThreshold, ID: r.ID, Title: r.Title, Criticality: r.Criticality,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Threshold: &thresholds[i],
		})
	}

	var composites []CompositeRule
	if err := s.db.Where("is_active = ?", true).Find(&composites).Error; err != nil {
		return nil, errors.Wrap(err, "active composite rules")
	}
	for i := range composites {
		r := composites[i]
		tree, err := r.Tree()
		if err != nil {
			logger.Warnw("composite rule body unparseable",
				"event", "rule_parse_error", "rule_id", r.ID, "error", err.Error())
			continue
		}
		merged = append(merged, RuleRecord{
			Kind: KindComposite, ID: r.ID, Title: r.Title, Criticality: r.Criticality,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Composite: &composites[i], Tree: tree,
		})
	}

	var patterns []PatternRule
	if err := s.db.Where("is_active = ?", true).Find(&patterns).Error; err != nil {
		return nil, errors.Wrap(err, "active pattern rules")
	}
	for i := range patterns {
		r := patterns[i]
		merged = append(merged, RuleRecord{
			Kind: KindPattern, ID: r.ID, Title: r.Title, Criticality: r.Criticality,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Pattern: &patterns[i],
		})
	}

	var mls []MLRule
	if err := s.db.Where("is_active = ?", true).Find(&mls).Error; err != nil {
		return nil, errors.Wrap(err, "active ml rules")
	}
	for i := range mls {
		r := mls[i]
		merged = append(merged, RuleRecord{
			Kind: KindML, ID: r.ID, Title: r.Title, Criticality: r.Criticality,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, ML: &mls[i],
		})
	}

	SortSnapshot(merged)
	return merged, nil
}

// SortSnapshot orders a merged rule sequence by (updated_at asc, id asc).
func SortSnapshot(merged []RuleRecord) {
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].UpdatedAt.Equal(merged[j].UpdatedAt) {
			return merged[i].UpdatedAt.Before(merged[j].UpdatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
}
