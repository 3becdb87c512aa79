package hapble

type handleType int

const (
	typValue handleType = iota
	typClientConfiguration
	typInstanceID
)

func (t handleType) String() string {
	switch t {
	case typValue:
		return "value"
	case typClientConfiguration:
		return "client characteristic configuration"
	}
	return "instance ID"
}

// An attribute is one row of the GATT table: a service, or a
// characteristic with its value, CCC descriptor and instance ID handles.
// Service rows only carry the handle of the service instance ID
// characteristic. The connection fields are reset on every connect and
// disconnect.
type attribute struct {
	svc *Service
	c   *Characteristic // nil for service rows

	valueHandle AttributeHandle
	cccHandle   AttributeHandle // 0 unless c supports event notifications
	iidHandle   AttributeHandle

	fallback   fallbackProcedure
	subscribed bool
	pending    bool
}

// match reports whether h is one of the handles of a and which one.
func (a *attribute) match(h AttributeHandle) (handleType, bool) {
	switch {
	case h == 0:
		return 0, false
	case h == a.valueHandle:
		return typValue, true
	case h == a.cccHandle:
		return typClientConfiguration, true
	case h == a.iidHandle:
		return typInstanceID, true
	}
	return 0, false
}

// An attributeTable is a fixed-capacity arena of attributes. Rows are
// never moved once added, so pointers to them stay valid until reset.
type attributeTable struct {
	rows []attribute
}

func newAttributeTable(capacity int) *attributeTable {
	return &attributeTable{rows: make([]attribute, 0, capacity)}
}

// tableCapacity returns the number of rows needed for acc.
func tableCapacity(acc *Accessory) int {
	n := 0
	for _, svc := range acc.services {
		n += 1 + len(svc.chars)
	}
	return n
}

func (t *attributeTable) reset() {
	for i := range t.rows {
		t.rows[i] = attribute{}
	}
	t.rows = t.rows[:0]
}

// add appends a row. It fails once the table is full.
func (t *attributeTable) add(a attribute) (*attribute, error) {
	if len(t.rows) == cap(t.rows) {
		return nil, ErrOutOfResources
	}
	t.rows = append(t.rows, a)
	return &t.rows[len(t.rows)-1], nil
}

// At returns the row holding handle h.
func (t *attributeTable) At(h AttributeHandle) (a *attribute, typ handleType, ok bool) {
	for i := range t.rows {
		if typ, ok := t.rows[i].match(h); ok {
			return &t.rows[i], typ, true
		}
	}
	return nil, 0, false
}

// find returns the row of characteristic c, or nil.
func (t *attributeTable) find(c *Characteristic) *attribute {
	for i := range t.rows {
		if t.rows[i].c == c {
			return &t.rows[i]
		}
	}
	return nil
}

// characteristics returns the characteristic rows in registration order.
func (t *attributeTable) characteristics() []*attribute {
	var aa []*attribute
	for i := range t.rows {
		if t.rows[i].c != nil {
			aa = append(aa, &t.rows[i])
		}
	}
	return aa
}

func (t *attributeTable) subscriptions() int {
	n := 0
	for i := range t.rows {
		if t.rows[i].subscribed {
			n++
		}
	}
	return n
}
