package vm

import "strings"

// ParseDescriptor resolves a descriptor string such as
// "(int,lang.String[])void" into an interned signature. Every named type
// must already be known to tt. ParseDescriptor(s.Descriptor()) == s.
func (tt *TypeTable) ParseDescriptor(desc string) (*Signature, error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, invalidArgument("ParseDescriptor", "descriptor %q does not start with '('", desc)
	}
	closing := strings.IndexByte(desc, ')')
	if closing < 0 {
		return nil, invalidArgument("ParseDescriptor", "descriptor %q has no ')'", desc)
	}
	paramList := desc[1:closing]
	retName := desc[closing+1:]
	if retName == "" {
		return nil, invalidArgument("ParseDescriptor", "descriptor %q has no return type", desc)
	}

	ret, err := tt.resolveDescriptorType(retName)
	if err != nil {
		return nil, err
	}
	var params []*Type
	if paramList != "" {
		names := strings.Split(paramList, ",")
		params = make([]*Type, len(names))
		for i, name := range names {
			if params[i], err = tt.resolveDescriptorType(name); err != nil {
				return nil, err
			}
		}
	}
	return tt.MethodType(ret, params...)
}

func (tt *TypeTable) resolveDescriptorType(name string) (*Type, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidArgument("ParseDescriptor", "empty type name")
	}
	t := tt.Lookup(name)
	if t == nil {
		return nil, newError(KindNoSuchMember, "ParseDescriptor", "unknown type %s", name)
	}
	return t, nil
}
