package schema

// Patch is a partial set of business fields. Nil fields are left untouched
// when the patch is applied.
type Patch struct {
	Title        *string      `json:"title,omitempty"`
	Description  *string      `json:"description,omitempty"`
	Date         *string      `json:"date,omitempty"`
	StartTime    *string      `json:"start_time,omitempty"`
	EndTime      *string      `json:"end_time,omitempty"`
	TechnicianID *string      `json:"technician_id,omitempty"`
	ClientID     *string      `json:"client_id,omitempty"`
	EquipmentID  *string      `json:"equipment_id,omitempty"`
	Status       *Status      `json:"status,omitempty"`
	Priority     *Priority    `json:"priority,omitempty"`
	Maintenance  *Maintenance `json:"maintenance,omitempty"`
}

// Apply writes every present field of p into t.
func (p Patch) Apply(t *Task) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&t.Title, p.Title)
	set(&t.Description, p.Description)
	set(&t.Date, p.Date)
	set(&t.StartTime, p.StartTime)
	set(&t.EndTime, p.EndTime)
	set(&t.TechnicianID, p.TechnicianID)
	set(&t.ClientID, p.ClientID)
	set(&t.EquipmentID, p.EquipmentID)
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Maintenance != nil {
		m := *p.Maintenance
		t.Maintenance = &m
	}
}

// IsEmpty reports whether the patch carries no fields.
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// PatchFrom builds a patch carrying every non-zero business field of t.
func PatchFrom(t Task) Patch {
	var p Patch
	str := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	p.Title = str(t.Title)
	p.Description = str(t.Description)
	p.Date = str(t.Date)
	p.StartTime = str(t.StartTime)
	p.EndTime = str(t.EndTime)
	p.TechnicianID = str(t.TechnicianID)
	p.ClientID = str(t.ClientID)
	p.EquipmentID = str(t.EquipmentID)
	if t.Status != "" {
		s := t.Status
		p.Status = &s
	}
	if t.Priority != "" {
		pr := t.Priority
		p.Priority = &pr
	}
	if t.Maintenance != nil {
		m := *t.Maintenance
		p.Maintenance = &m
	}
	return p
}

// String returns a pointer to s, for building patches inline.
func String(s string) *string { return &s }
