// Package curriculum provides the built-in standards catalog used to ground
// plan drafts in real curriculum codes.
package curriculum

import (
	"slices"
	"strings"
)

// Standard is one curriculum standard.
type Standard struct {
	Code        string `json:"code"`
	Subject     string `json:"subject"`
	GradeBand   string `json:"grade_band"`
	Description string `json:"description"`
}

// Text is the string embedded for similarity search.
func (s Standard) Text() string {
	return s.Subject + " " + s.GradeBand + ": " + s.Description
}

// Catalog is an immutable set of standards indexed by code.
type Catalog struct {
	standards []Standard
	byCode    map[string]Standard
}

// NewCatalog builds a catalog. Later duplicates of a code are ignored.
func NewCatalog(standards []Standard) *Catalog {
	c := &Catalog{byCode: make(map[string]Standard, len(standards))}
	for _, s := range standards {
		key := normalizeCode(s.Code)
		if _, dup := c.byCode[key]; dup || key == "" {
			continue
		}
		c.byCode[key] = s
		c.standards = append(c.standards, s)
	}
	return c
}

// All returns every standard in catalog order.
func (c *Catalog) All() []Standard {
	return slices.Clone(c.standards)
}

// Lookup finds a standard by code, case-insensitively.
func (c *Catalog) Lookup(code string) (Standard, bool) {
	s, ok := c.byCode[normalizeCode(code)]
	return s, ok
}

// BySubject returns the standards whose subject matches, case-insensitively.
// An empty subject returns everything.
func (c *Catalog) BySubject(subject string) []Standard {
	if strings.TrimSpace(subject) == "" {
		return c.All()
	}
	var out []Standard
	for _, s := range c.standards {
		if strings.EqualFold(s.Subject, strings.TrimSpace(subject)) {
			out = append(out, s)
		}
	}
	return out
}

// Known splits codes into those present in the catalog and those not.
func (c *Catalog) Known(codes []string) (known, unknown []string) {
	for _, code := range codes {
		if _, ok := c.Lookup(code); ok {
			known = append(known, code)
		} else {
			unknown = append(unknown, code)
		}
	}
	return known, unknown
}

// Len returns the number of standards.
func (c *Catalog) Len() int { return len(c.standards) }

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog(defaultStandards)
}

var defaultStandards = []Standard{
	{"CCSS.MATH.3.NF.A.1", "math", "3", "Understand a fraction 1/b as the quantity formed by 1 part when a whole is partitioned into b equal parts."},
	{"CCSS.MATH.3.NF.A.3", "math", "3", "Explain equivalence of fractions and compare fractions by reasoning about their size."},
	{"CCSS.MATH.4.NF.B.3", "math", "4", "Add and subtract fractions and mixed numbers with like denominators."},
	{"CCSS.MATH.5.NBT.B.7", "math", "5", "Add, subtract, multiply, and divide decimals to hundredths using models and strategies."},
	{"CCSS.MATH.6.RP.A.3", "math", "6", "Use ratio and rate reasoning to solve real-world problems with tables, tape diagrams, and number lines."},
	{"CCSS.MATH.7.EE.B.4", "math", "7", "Use variables to represent quantities and construct simple equations and inequalities to solve problems."},
	{"CCSS.MATH.8.F.A.1", "math", "8", "Understand that a function assigns to each input exactly one output and graph functions."},
	{"CCSS.MATH.HSG.SRT.C.8", "math", "9-12", "Use trigonometric ratios and the Pythagorean theorem to solve right triangles in applied problems."},
	{"CCSS.ELA.RL.3.2", "ela", "3", "Recount stories, including fables and folktales, and determine the central message or lesson."},
	{"CCSS.ELA.RI.4.2", "ela", "4", "Determine the main idea of an informational text and explain how it is supported by key details."},
	{"CCSS.ELA.W.5.1", "ela", "5", "Write opinion pieces on topics or texts, supporting a point of view with reasons and information."},
	{"CCSS.ELA.RL.6.3", "ela", "6", "Describe how a story's plot unfolds and how characters respond or change as the plot moves toward a resolution."},
	{"CCSS.ELA.SL.7.1", "ela", "7", "Engage effectively in collaborative discussions, building on others' ideas and expressing their own clearly."},
	{"CCSS.ELA.W.8.2", "ela", "8", "Write informative texts to examine a topic and convey ideas through selection and organization of content."},
	{"CCSS.ELA.RI.9-10.6", "ela", "9-12", "Determine an author's point of view or purpose in a text and analyze how rhetoric advances it."},
	{"NGSS.3-LS1-1", "science", "3", "Develop models to describe that organisms have unique and diverse life cycles."},
	{"NGSS.4-PS3-2", "science", "4", "Make observations to provide evidence that energy can be transferred by sound, light, heat, and electric currents."},
	{"NGSS.5-PS1-1", "science", "5", "Develop a model to describe that matter is made of particles too small to be seen."},
	{"NGSS.5-ESS2-1", "science", "5", "Develop a model using an example to describe ways the geosphere, biosphere, hydrosphere, and atmosphere interact."},
	{"NGSS.MS-LS1-6", "science", "6-8", "Construct a scientific explanation for the role of photosynthesis in the cycling of matter and flow of energy."},
	{"NGSS.MS-PS2-2", "science", "6-8", "Plan an investigation to provide evidence that the change in an object's motion depends on forces and mass."},
	{"NGSS.MS-ESS3-3", "science", "6-8", "Apply scientific principles to design a method for monitoring and minimizing human impact on the environment."},
	{"NGSS.HS-LS3-1", "science", "9-12", "Ask questions to clarify relationships about the role of DNA and chromosomes in coding the instructions for traits."},
	{"C3.D2.His.2.3-5", "social_studies", "3-5", "Compare life in specific historical time periods to life today."},
	{"C3.D2.Civ.1.3-5", "social_studies", "3-5", "Distinguish the responsibilities and powers of government officials at various levels and branches."},
	{"C3.D2.Geo.2.6-8", "social_studies", "6-8", "Use maps, satellite images, and other representations to explain relationships between places and environments."},
	{"C3.D2.Eco.1.6-8", "social_studies", "6-8", "Explain how economic decisions affect the well-being of individuals, businesses, and society."},
	{"C3.D2.His.14.9-12", "social_studies", "9-12", "Analyze multiple and complex causes and effects of events in the past."},
}
