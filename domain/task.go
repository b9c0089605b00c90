package domain

import (
	"encoding/json"
	"time"
)

const (
	MaxTitleLength       = 100
	MaxDescriptionLength = 500
)

// Task represents a single item on a user's task list.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Category    Category   `json:"category"`
	DueDate     time.Time  `json:"dueDate"`
	Reminder    *time.Time `json:"reminder,omitempty"`
	Priority    Priority   `json:"priority"`
	Completed   bool       `json:"completed"`
	Order       *int       `json:"order,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TaskDraft carries the client supplied fields of a new task. The owner is
// never part of a draft; it comes from the authenticated identity.
type TaskDraft struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Category    Category   `json:"category,omitempty"`
	DueDate     *time.Time `json:"dueDate"`
	Reminder    *time.Time `json:"reminder,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	Order       *int       `json:"order,omitempty"`
}

// TaskPatch is a partial update. Nil fields are left untouched. A reminder
// is removed with ClearReminder, or with an explicit "reminder": null.
type TaskPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Category    *Category  `json:"category,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Reminder    *time.Time `json:"reminder,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	Completed   *bool      `json:"completed,omitempty"`
	Order       *int       `json:"order,omitempty"`

	ClearReminder bool `json:"clearReminder,omitempty"`
}

func (p *TaskPatch) UnmarshalJSON(data []byte) error {
	type plain TaskPatch
	var aux struct {
		plain
		Reminder json.RawMessage `json:"reminder"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = TaskPatch(aux.plain)
	switch {
	case aux.Reminder == nil:
	case string(aux.Reminder) == "null":
		p.ClearReminder = true
	default:
		var r time.Time
		if err := json.Unmarshal(aux.Reminder, &r); err != nil {
			return err
		}
		p.Reminder = &r
	}
	return nil
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Category == nil && p.DueDate == nil &&
		p.Reminder == nil && p.Priority == nil && p.Completed == nil && p.Order == nil && !p.ClearReminder
}

// NewTask validates the draft and builds a task owned by userID. Defaults are
// applied for category and priority; timestamps are left to the store.
func NewTask(userID string, d TaskDraft) (Task, error) {
	if userID == "" {
		return Task{}, &ValidationError{Field: "userId", Msg: "owner is required"}
	}
	title, err := normalizeTitle(d.Title)
	if err != nil {
		return Task{}, err
	}
	desc, err := normalizeDescription(d.Description)
	if err != nil {
		return Task{}, err
	}
	if d.DueDate == nil || d.DueDate.IsZero() {
		return Task{}, &ValidationError{Field: "dueDate", Msg: "due date is required"}
	}
	cat := DefaultCategory
	if d.Category != "" {
		if cat, err = ParseCategory(string(d.Category)); err != nil {
			return Task{}, err
		}
	}
	prio := DefaultPriority
	if d.Priority != "" {
		if prio, err = ParsePriority(string(d.Priority)); err != nil {
			return Task{}, err
		}
	}
	return Task{
		UserID:      userID,
		Title:       title,
		Description: desc,
		Category:    cat,
		DueDate:     *d.DueDate,
		Reminder:    d.Reminder,
		Priority:    prio,
		Order:       d.Order,
	}, nil
}

// Normalize validates a patch in place, trimming text fields and
// canonicalizing enum values.
func (p *TaskPatch) Normalize() error {
	if p.Title != nil {
		title, err := normalizeTitle(*p.Title)
		if err != nil {
			return err
		}
		p.Title = &title
	}
	if p.Description != nil {
		desc, err := normalizeDescription(*p.Description)
		if err != nil {
			return err
		}
		p.Description = &desc
	}
	if p.Category != nil {
		cat, err := ParseCategory(string(*p.Category))
		if err != nil {
			return err
		}
		p.Category = &cat
	}
	if p.Priority != nil {
		prio, err := ParsePriority(string(*p.Priority))
		if err != nil {
			return err
		}
		p.Priority = &prio
	}
	if p.DueDate != nil && p.DueDate.IsZero() {
		return &ValidationError{Field: "dueDate", Msg: "due date is required"}
	}
	if p.ClearReminder && p.Reminder != nil {
		return &ValidationError{Field: "reminder", Msg: "cannot both set and clear the reminder"}
	}
	return nil
}

// Apply copies the set fields of p onto t.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.Reminder != nil {
		r := *p.Reminder
		t.Reminder = &r
	}
	if p.ClearReminder {
		t.Reminder = nil
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.Order != nil {
		o := *p.Order
		t.Order = &o
	}
}

// EffectiveCategory returns the task's category, falling back to the
// default for records written before the category was required.
func (t Task) EffectiveCategory() Category {
	if t.Category == "" {
		return DefaultCategory
	}
	return t.Category
}
