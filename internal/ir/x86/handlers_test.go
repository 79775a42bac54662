package x86

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/irx86/internal/asm/x86"
)

func TestSubAliasing(t *testing.T) {
	for _, tc := range []struct {
		name   string
		spill  int
		instrs []string
		want   uint32
		ecx    uint32
	}{
		{
			name: "dest is right",
			instrs: []string{
				`{op: move, args: [$10], dest: ecx}`,
				`{op: move, args: [$3], dest: eax}`,
				`{op: sub, args: [ecx, eax], dest: eax}`,
			},
			want: 7,
			ecx:  10,
		},
		{
			name:  "dest is right, left in memory",
			spill: 1,
			instrs: []string{
				`{op: move, args: [$10], dest: "[esp+0]"}`,
				`{op: move, args: [$3], dest: eax}`,
				`{op: sub, args: ["[esp+0]", eax], dest: eax}`,
				`{op: move, args: ["[esp+0]"], dest: ecx}`,
			},
			want: 7,
			ecx:  10,
		},
		{
			name:  "dest is right in memory",
			spill: 1,
			instrs: []string{
				`{op: move, args: [$10], dest: ecx}`,
				`{op: move, args: [$3], dest: "[esp+0]"}`,
				`{op: sub, args: [ecx, "[esp+0]"], dest: "[esp+0]"}`,
				`{op: move, args: ["[esp+0]"], dest: eax}`,
			},
			want: 7,
			ecx:  10,
		},
		{
			name: "dest is right, left immediate",
			instrs: []string{
				`{op: move, args: [$3], dest: eax}`,
				`{op: sub, args: [10, eax], dest: eax}`,
				`{op: move, args: [$10], dest: ecx}`,
			},
			want: 7,
			ecx:  10,
		},
		{
			name: "dest is left",
			instrs: []string{
				`{op: move, args: [$10], dest: eax}`,
				`{op: move, args: [$3], dest: ecx}`,
				`{op: sub, args: [eax, ecx], dest: eax}`,
			},
			want: 7,
			ecx:  3,
		},
		{
			name: "distinct dest",
			instrs: []string{
				`{op: move, args: [$10], dest: ecx}`,
				`{op: move, args: [$3], dest: ebx}`,
				`{op: sub, args: [ecx, ebx], dest: eax}`,
			},
			want: 7,
			ecx:  10,
		},
		{
			name:  "both operands in memory",
			spill: 3,
			instrs: []string{
				`{op: move, args: [$10], dest: "[esp+0]"}`,
				`{op: move, args: [$3], dest: "[esp+4]"}`,
				`{op: sub, args: ["[esp+0]", "[esp+4]"], dest: "[esp+8]"}`,
				`{op: move, args: ["[esp+8]"], dest: eax}`,
				`{op: move, args: ["[esp+0]"], dest: ecx}`,
			},
			want: 7,
			ecx:  10,
		},
		{
			name:  "left addressed through dest",
			spill: 1,
			instrs: []string{
				`{op: move, args: [$10], dest: "[esp+0]"}`,
				`{op: move, args: [esp], dest: eax}`,
				`{op: sub, args: ["[eax+0]", eax], dest: eax}`,
				`{op: add, args: [eax, esp], dest: eax}`,
				`{op: move, args: ["[esp+0]"], dest: ecx}`,
			},
			want: 10,
			ecx:  10,
		},
		{
			name:  "dest addressed through left",
			spill: 1,
			instrs: []string{
				`{op: move, args: [$3], dest: "[esp+0]"}`,
				`{op: move, args: [esp], dest: ecx}`,
				`{op: sub, args: [ecx, "[ecx+0]"], dest: "[ecx+0]"}`,
				`{op: sub, args: ["[esp+0]", esp], dest: eax}`,
				`{op: sub, args: [ecx, esp], dest: ecx}`,
			},
			want: ^uint32(2), // -3
			ecx:  0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			instrs := append(tc.instrs, `{op: ret, args: [eax]}`)
			m := compileAndRun(t, mainProgram(tc.spill, instrs...))
			if got := m.Reg(x86.EAX); got != tc.want {
				t.Fatalf("eax = %d, want %d", got, tc.want)
			}
			if got := m.Reg(x86.ECX); got != tc.ecx {
				t.Fatalf("ecx = %d, want %d", got, tc.ecx)
			}
		})
	}
}

func TestAddAliasing(t *testing.T) {
	for _, tc := range []struct {
		name   string
		spill  int
		instrs []string
	}{
		{"dest is right", 0, []string{
			`{op: move, args: [$4], dest: ecx}`,
			`{op: move, args: [$3], dest: eax}`,
			`{op: add, args: [ecx, eax], dest: eax}`,
		}},
		{"dest is left", 0, []string{
			`{op: move, args: [$3], dest: ecx}`,
			`{op: move, args: [$4], dest: eax}`,
			`{op: add, args: [eax, ecx], dest: eax}`,
		}},
		{"right reads dest", 1, []string{
			`{op: move, args: [$4], dest: "[esp+0]"}`,
			`{op: move, args: [esp], dest: eax}`,
			`{op: add, args: [3, "[eax+0]"], dest: eax}`,
		}},
		{"memory dest", 1, []string{
			`{op: move, args: [$4], dest: ecx}`,
			`{op: add, args: [ecx, 3], dest: "[esp+0]"}`,
			`{op: move, args: ["[esp+0]"], dest: eax}`,
		}},
		{"memory dest is right", 1, []string{
			`{op: move, args: [$4], dest: "[esp+0]"}`,
			`{op: move, args: [$3], dest: ecx}`,
			`{op: add, args: [ecx, "[esp+0]"], dest: "[esp+0]"}`,
			`{op: move, args: ["[esp+0]"], dest: eax}`,
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			instrs := append(tc.instrs, `{op: ret, args: [eax]}`)
			m := compileAndRun(t, mainProgram(tc.spill, instrs...))
			if got := m.Reg(x86.EAX); got != 7 {
				t.Fatalf("eax = %d, want 7", got)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	for _, tc := range []struct {
		op          string
		left, right int32
		want        uint32
	}{
		{"lt", 1, 2, 1},
		{"lt", 2, 2, 0},
		{"lt", -1, 0, 1},
		{"le", 2, 2, 1},
		{"le", 3, 2, 0},
		{"gt", 3, 2, 1},
		{"gt", -3, 2, 0},
		{"ge", 2, 2, 1},
		{"ge", 1, 2, 0},
		{"eq", 5, 5, 1},
		{"eq", 5, 6, 0},
		{"ne", 5, 6, 1},
		{"ne", 5, 5, 0},
	} {
		shapes := map[string][]string{
			"registers": {
				`{op: move, args: [$L], dest: ecx}`,
				`{op: move, args: [$R], dest: ebx}`,
				`{op: OP, args: [ecx, ebx], dest: eax}`,
			},
			"immediate left": {
				`{op: move, args: [$R], dest: ebx}`,
				`{op: OP, args: [L, ebx], dest: eax}`,
			},
			"immediate left, dest read by right": {
				`{op: move, args: [$R], dest: eax}`,
				`{op: OP, args: [L, eax], dest: eax}`,
			},
			"both in memory": {
				`{op: move, args: [$L], dest: "[esp+0]"}`,
				`{op: move, args: [$R], dest: "[esp+4]"}`,
				`{op: OP, args: ["[esp+0]", "[esp+4]"], dest: eax}`,
			},
			"memory dest": {
				`{op: move, args: [$L], dest: ecx}`,
				`{op: OP, args: [ecx, R], dest: "[esp+0]"}`,
				`{op: move, args: ["[esp+0]"], dest: eax}`,
			},
		}
		for shape, instrs := range shapes {
			name := tc.op + "/" + shape
			t.Run(name, func(t *testing.T) {
				var lines []string
				for _, in := range instrs {
					lines = append(lines, expand(in, tc.op, tc.left, tc.right))
				}
				lines = append(lines, `{op: ret, args: [eax]}`)
				m := compileAndRun(t, mainProgram(2, lines...))
				if got := m.Reg(x86.EAX); got != tc.want {
					t.Fatalf("%s %d, %d = %d, want %d", tc.op, tc.left, tc.right, got, tc.want)
				}
			})
		}
	}
}

func expand(in, op string, left, right int32) string {
	r := strings.NewReplacer("OP", op, "L", fmt.Sprint(left), "R", fmt.Sprint(right))
	return r.Replace(in)
}

func TestCompareCustomBooleans(t *testing.T) {
	cfg := DefaultConfig()
	cfg.True = 7
	cfg.False = 3
	src := mainProgram(0,
		`{op: lt, args: [1, 2], dest: ecx}`,
		`{op: gt, args: [1, 2], dest: eax}`,
		`{op: add, args: [eax, ecx], dest: eax}`,
		`{op: ret, args: [eax]}`,
	)
	m := run(t, compile(t, src, cfg))
	if got := m.Reg(x86.EAX); got != 10 {
		t.Fatalf("true + false = %d, want 10", got)
	}
}

func TestIf(t *testing.T) {
	src := `
entry: main
functions:
  - name: main
    blocks:
      - name: entry
        instrs:
          - {op: move, args: [$2], dest: ecx}
          - {op: lt, args: [ecx, 5], dest: ebx}
          - {op: if, args: [ebx], targets: [small, big]}
      - name: big
        instrs:
          - {op: ret, args: [100]}
      - name: small
        instrs:
          - {op: if, args: [0], targets: [big, last]}
      - name: last
        instrs:
          - {op: ret, args: [200]}
`
	m := compileAndRun(t, src)
	if got := m.Reg(x86.EAX); got != 200 {
		t.Fatalf("result = %d, want 200", got)
	}
}

func TestCallConvention(t *testing.T) {
	src := `
entry: main
functions:
  - name: who
    blocks:
      - name: entry
        instrs:
          - {op: arg, index: 0, dest: eax}
          - {op: arg, index: 1, dest: ebx}
          - {op: ret, args: [ebx]}
  - name: main
    blocks:
      - name: entry
        instrs:
          - {op: get_global, args: [eax], dest: edx}
          - {op: move, args: [$77], dest: ecx}
          - {op: make_clos, args: ["fn:who", edx], dest: ebx}
          - {op: move, args: [$55], dest: eax}
          - {op: call, args: [ebx, eax], dest: esi, targets: [done]}
      - name: done
        instrs:
          - {op: add, args: [esi, ecx], dest: eax}
          - {op: ret, args: [eax]}
`
	m := compileAndRun(t, src)
	// The swap of callee and receiver goes through scratch and the two
	// argument call leaves ecx alone.
	if got := m.Reg(x86.EAX); got != 132 {
		t.Fatalf("result = %d, want 132", got)
	}
}

func TestCallArgumentCycle(t *testing.T) {
	src := `
entry: main
functions:
  - name: pick
    blocks:
      - name: entry
        instrs:
          - {op: arg, index: 2, dest: ecx}
          - {op: ret, args: [ecx]}
  - name: main
    blocks:
      - name: entry
        instrs:
          - {op: get_global, args: [eax], dest: edx}
          - {op: make_clos, args: ["fn:pick", edx], dest: ecx}
          - {op: move, args: [$9], dest: ebx}
          - {op: move, args: [edx], dest: eax}
          - {op: call, args: [ecx, eax, ebx], dest: eax, targets: [done]}
      - name: done
        instrs:
          - {op: ret, args: [eax]}
`
	m := compileAndRun(t, src)
	if got := m.Reg(x86.EAX); got != 9 {
		t.Fatalf("result = %d, want 9", got)
	}
}

func TestClosureCarriesGlobal(t *testing.T) {
	src := `
entry: main
functions:
  - name: inner
    blocks:
      - name: entry
        instrs:
          - {op: get_global, args: [eax], dest: ecx}
          - {op: get_prop_val, args: [ecx, "str:v"], dest: eax}
          - {op: ret, args: [eax]}
  - name: main
    spill: 1
    blocks:
      - name: entry
        instrs:
          - {op: get_global, args: [eax], dest: edx}
          - {op: put_prop_val, args: [edx, "str:v", 31]}
          - {op: make_clos, args: ["fn:inner", edx], dest: "[esp+0]"}
          - {op: get_global, args: ["[esp+0]"], dest: esi}
          - {op: make_clos, args: ["fn:inner", esi], dest: eax}
          - {op: call, args: [eax, edx], dest: eax, targets: [done]}
      - name: done
        instrs:
          - {op: ret, args: [eax]}
`
	m := compileAndRun(t, src)
	if got := m.Reg(x86.EAX); got != 31 {
		t.Fatalf("result = %d, want 31", got)
	}
}

func TestMakeClosureGlobalInAccumulator(t *testing.T) {
	src := `
entry: main
functions:
  - name: inner
    blocks:
      - name: entry
        instrs:
          - {op: get_global, args: [eax], dest: ecx}
          - {op: get_prop_val, args: [ecx, "str:v"], dest: eax}
          - {op: ret, args: [eax]}
  - name: main
    blocks:
      - name: entry
        instrs:
          - {op: get_global, args: [eax], dest: edx}
          - {op: put_prop_val, args: [edx, "str:v", 12]}
          - {op: move, args: [edx], dest: eax}
          - {op: make_clos, args: ["fn:inner", eax], dest: eax}
          - {op: call, args: [eax, edx], dest: eax, targets: [done]}
      - name: done
        instrs:
          - {op: ret, args: [eax]}
`
	m := compileAndRun(t, src)
	if got := m.Reg(x86.EAX); got != 12 {
		t.Fatalf("result = %d, want 12", got)
	}
}

func TestExchangeRejectsOperands(t *testing.T) {
	tr, err := NewTranslator(DefaultConfig())
	if err != nil {
		t.Fatalf("NewTranslator: %v", err)
	}
	for _, pair := range [][2]x86.Operand{
		{x86.Imm(1), x86.EAX},
		{x86.EAX, x86.Imm(1)},
		{x86.Mem(x86.ESP), x86.Mem(x86.ESP).WithDisp(4)},
		{x86.ECX, x86.ECX},
		{x86.ECX, x86.Mem(x86.ECX)},
		{x86.Mem(x86.EAX).WithDisp(4), x86.EAX},
	} {
		if err := tr.exchange(pair[0], pair[1]); !errors.Is(err, ErrExchangeOperands) {
			t.Fatalf("exchange(%s, %s) = %v, want ErrExchangeOperands", pair[0], pair[1], err)
		}
	}
	if len(tr.out) != 0 {
		t.Fatalf("rejected exchanges emitted %d fragments", len(tr.out))
	}
	if err := tr.exchange(x86.EAX, x86.Mem(x86.ESP)); err != nil {
		t.Fatalf("exchange(eax, [esp]) = %v", err)
	}
	if len(tr.out) != 3 {
		t.Fatalf("exchange emitted %d fragments, want 3", len(tr.out))
	}
}
