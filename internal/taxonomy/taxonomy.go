// Package taxonomy defines the clinical note sections shared by the transcript
// parser and the section reconciler. Both sides must agree on the ids below; the
// Version string is sent with every parse request so the parser can reject a
// schema it does not understand.
package taxonomy

// Version identifies the current section schema
const Version = "clinical-note/v1"

// Section is one entry of the schema
type Section struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Section ids. Order matches how sections appear in a note.
const (
	ChiefComplaint          = "chief_complaint"
	HistoryOfPresentIllness = "history_of_present_illness"
	PastMedicalHistory      = "past_medical_history"
	Medications             = "medications"
	Allergies               = "allergies"
	FamilyHistory           = "family_history"
	SocialHistory           = "social_history"
	ReviewOfSystems         = "review_of_systems"
	PhysicalExam            = "physical_exam"
	Assessment              = "assessment"
	Plan                    = "plan"
)

var sections = []Section{
	{ID: ChiefComplaint, Title: "Chief Complaint"},
	{ID: HistoryOfPresentIllness, Title: "History of Present Illness"},
	{ID: PastMedicalHistory, Title: "Past Medical History"},
	{ID: Medications, Title: "Medications"},
	{ID: Allergies, Title: "Allergies"},
	{ID: FamilyHistory, Title: "Family History"},
	{ID: SocialHistory, Title: "Social History"},
	{ID: ReviewOfSystems, Title: "Review of Systems"},
	{ID: PhysicalExam, Title: "Physical Exam"},
	{ID: Assessment, Title: "Assessment"},
	{ID: Plan, Title: "Plan"},
}

var byID = func() map[string]Section {
	m := make(map[string]Section, len(sections))
	for _, s := range sections {
		m[s.ID] = s
	}
	return m
}()

// Sections returns a copy of the schema in note order
func Sections() []Section {
	out := make([]Section, len(sections))
	copy(out, sections)
	return out
}

// IDs returns the section ids in note order
func IDs() []string {
	ids := make([]string, len(sections))
	for i, s := range sections {
		ids[i] = s.ID
	}
	return ids
}

// Lookup returns the schema entry for id
func Lookup(id string) (Section, bool) {
	s, ok := byID[id]
	return s, ok
}

// Known reports whether id belongs to the schema
func Known(id string) bool {
	_, ok := byID[id]
	return ok
}
