package config

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/meshsync/internal/ir"
)

// rulesSchema constrains the shape of a tagmap before it is decoded.
const rulesSchema = `
#Type: {
	name:             string & !=""
	container?:       bool
	require_display:  bool | *true
	require_segment:  bool | *true
}
#Rule: {
	type:           string & !=""
	field:          string & !=""
	attribute?:     string
	value_type:     string
	multivalue?:    bool
	display?:       bool
	segment?:       bool
	url_field?:     bool
	external?:      bool
	filter?:        string
	search_index?: {...}
}
#Construct: {
	name: string & !=""
	fields: [...{name: string, value_type: string}]
}
types: [...#Type]
rules: [...#Rule]
constructs?: [...#Construct]
`

// RulesError reports a problem in a rules file, with its CUE position when
// known.
type RulesError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *RulesError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// LoadRules loads the mapping rules, type declarations and constructs from
// a CUE file, or from every CUE file of a directory. List order is kept:
// it is the declaration order of rules and constructs. Value type aliases
// such as "node" or "embedded-object" are normalized.
func LoadRules(path string) (ir.RuleSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ir.RuleSet{}, &RulesError{Path: path, Message: err.Error()}
	}
	dir, args := path, []string{"."}
	if !info.IsDir() {
		dir, args = filepath.Dir(path), []string{filepath.Base(path)}
	}

	ctx := cuecontext.New()
	instances := load.Instances(args, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return ir.RuleSet{}, &RulesError{Path: path, Message: "no CUE instances loaded"}
	}
	if err := instances[0].Err; err != nil {
		return ir.RuleSet{}, &RulesError{Path: path, Message: fmt.Sprintf("loading CUE files: %v", err)}
	}

	value := ctx.BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return ir.RuleSet{}, &RulesError{Path: path, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	schema := ctx.CompileString(rulesSchema, cue.Filename("rules-schema.cue"))
	value = schema.Unify(value)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return ir.RuleSet{}, &RulesError{Path: path, Message: err.Error()}
	}

	var rs ir.RuleSet
	if err := value.Decode(&rs); err != nil {
		return ir.RuleSet{}, &RulesError{Path: path, Message: fmt.Sprintf("decoding rules: %v", err)}
	}
	if err := normalizeValueTypes(path, value, &rs); err != nil {
		return ir.RuleSet{}, err
	}
	return rs, nil
}

func normalizeValueTypes(path string, value cue.Value, rs *ir.RuleSet) error {
	for i := range rs.Rules {
		vt, err := ir.ParseValueType(string(rs.Rules[i].ValueType))
		if err != nil {
			elem := value.LookupPath(cue.MakePath(cue.Str("rules"), cue.Index(i), cue.Str("value_type")))
			return &RulesError{Path: path, Message: fmt.Sprintf("rule %s: %v", rs.Rules[i].Locator(), err), Pos: elem.Pos()}
		}
		rs.Rules[i].ValueType = vt
	}
	for c := range rs.Constructs {
		for f := range rs.Constructs[c].Fields {
			field := &rs.Constructs[c].Fields[f]
			vt, err := ir.ParseValueType(string(field.ValueType))
			if err != nil {
				return &RulesError{Path: path, Message: fmt.Sprintf("construct %s.%s: %v", rs.Constructs[c].Name, field.Name, err)}
			}
			field.ValueType = vt
		}
	}
	return nil
}
