package job

import (
	"fmt"

	"github.com/Mudityadev/charles-map/dispatch"
)

// Family selects which queue a job lives on.
type Family string

const (
	FamilyImport Family = "import"
	FamilyExport Family = "export"
	FamilyAI     Family = "ai"
)

// Families lists every family in a stable order.
func Families() []Family {
	return []Family{FamilyImport, FamilyExport, FamilyAI}
}

// QueueName is the broker-level queue name for the family.
func (f Family) QueueName() string {
	switch f {
	case FamilyImport:
		return "IMPORT_QUEUE"
	case FamilyExport:
		return "EXPORT_QUEUE"
	case FamilyAI:
		return "AI_QUEUE"
	default:
		return ""
	}
}

func (f Family) Valid() bool { return f.QueueName() != "" }

// ParseFamily resolves a family name.
func ParseFamily(s string) (Family, error) {
	f := Family(s)
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", dispatch.ErrUnknownFamily, s)
	}
	return f, nil
}

// Kind is a symbolic task name. The set is closed: a name outside it can
// never reach a handler.
type Kind string

const (
	KindImport          Kind = "import"
	KindExport          Kind = "export"
	KindText2Map        Kind = "text2map"
	KindOCR2Vector      Kind = "ocr2vector"
	KindStyleFromPrompt Kind = "styleFromPrompt"
)

var kindFamily = map[Kind]Family{
	KindImport:          FamilyImport,
	KindExport:          FamilyExport,
	KindText2Map:        FamilyAI,
	KindOCR2Vector:      FamilyAI,
	KindStyleFromPrompt: FamilyAI,
}

// Family returns the family that owns k, or "" for an unknown kind.
func (k Kind) Family() Family { return kindFamily[k] }

// Kinds returns the kinds owned by f.
func Kinds(f Family) []Kind {
	var out []Kind
	for _, k := range []Kind{KindImport, KindExport, KindText2Map, KindOCR2Vector, KindStyleFromPrompt} {
		if kindFamily[k] == f {
			out = append(out, k)
		}
	}
	return out
}

// ParseKind resolves a task name for the given family. Names that are
// unknown, or belong to another family, fail with dispatch.ErrUnknownTask.
func ParseKind(f Family, name string) (Kind, error) {
	k := Kind(name)
	owner, ok := kindFamily[k]
	if !ok {
		return "", fmt.Errorf("%w: %q", dispatch.ErrUnknownTask, name)
	}
	if owner != f {
		return "", fmt.Errorf("%w: %q belongs to %s, not %s", dispatch.ErrUnknownTask, name, owner, f)
	}
	return k, nil
}
