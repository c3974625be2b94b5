package derived

import (
	"fmt"
	"strings"
)

// Template is one catalog formula with named input slots. Expr holds
// {slot} placeholders that BuildExpression binds to column references.
type Template struct {
	Key    string   `json:"key"`
	Label  string   `json:"label"`
	Inputs []string `json:"inputs"`
	Expr   string   `json:"expr"`
}

// Category groups related templates for the catalog endpoint.
type Category struct {
	Key       string     `json:"key"`
	Label     string     `json:"label"`
	Templates []Template `json:"templates"`
}

// Catalog is the built-in formula library, grouped by discipline.
var Catalog = []Category{
	{
		Key:   "algebra",
		Label: "Algebra",
		Templates: []Template{
			{Key: "alg_add", Label: "a + b", Inputs: []string{"a", "b"}, Expr: "{a} + {b}"},
			{Key: "alg_sub", Label: "a - b", Inputs: []string{"a", "b"}, Expr: "{a} - {b}"},
			{Key: "alg_mul", Label: "a * b", Inputs: []string{"a", "b"}, Expr: "{a} * {b}"},
			{Key: "alg_div", Label: "a / b", Inputs: []string{"a", "b"}, Expr: "{a} / {b}"},
		},
	},
	{
		Key:   "trigonometric",
		Label: "Trigonometric",
		Templates: []Template{
			{Key: "trig_sin", Label: "sin(a)", Inputs: []string{"a"}, Expr: "sin({a})"},
			{Key: "trig_cos", Label: "cos(a)", Inputs: []string{"a"}, Expr: "cos({a})"},
			{Key: "trig_tan", Label: "tan(a)", Inputs: []string{"a"}, Expr: "tan({a})"},
		},
	},
	{
		Key:   "log_exp",
		Label: "Log / Exp",
		Templates: []Template{
			{Key: "log_nat", Label: "log(a)", Inputs: []string{"a"}, Expr: "log({a})"},
			{Key: "log_10", Label: "log10(a)", Inputs: []string{"a"}, Expr: "log10({a})"},
			{Key: "exp_nat", Label: "exp(a)", Inputs: []string{"a"}, Expr: "exp({a})"},
		},
	},
	{
		Key:   "stats",
		Label: "Stats",
		Templates: []Template{
			{Key: "stats_mean2", Label: "mean(a,b)", Inputs: []string{"a", "b"}, Expr: "({a} + {b}) / 2"},
			{Key: "stats_abs_diff", Label: "|a-b|", Inputs: []string{"a", "b"}, Expr: "abs({a} - {b})"},
			{Key: "stats_pct_diff", Label: "(a-b)/b", Inputs: []string{"a", "b"}, Expr: "({a} - {b}) / {b}"},
		},
	},
	{
		Key:   "magnitude",
		Label: "Magnitude",
		Templates: []Template{
			{Key: "mag_2d", Label: "sqrt(a^2+b^2)", Inputs: []string{"a", "b"}, Expr: "sqrt(({a} * {a}) + ({b} * {b}))"},
			{Key: "mag_3d", Label: "sqrt(a^2+b^2+c^2)", Inputs: []string{"a", "b", "c"}, Expr: "sqrt(({a} * {a}) + ({b} * {b}) + ({c} * {c}))"},
		},
	},
	{
		Key:   "flight_envelope",
		Label: "Flight Envelope",
		Templates: []Template{
			{Key: "fe_mach_from_tas_a", Label: "Mach = TAS / a", Inputs: []string{"tas", "a"}, Expr: "{tas} / {a}"},
			{Key: "fe_tas_from_mach_a", Label: "TAS = Mach * a", Inputs: []string{"mach", "a"}, Expr: "{mach} * {a}"},
			{Key: "fe_eas_from_tas_density", Label: "EAS = TAS * sqrt(rho/rho0)", Inputs: []string{"tas", "rho", "rho0"}, Expr: "{tas} * sqrt({rho} / {rho0})"},
			{Key: "fe_tas_from_eas_density", Label: "TAS = EAS / sqrt(rho/rho0)", Inputs: []string{"eas", "rho", "rho0"}, Expr: "{eas} / sqrt({rho} / {rho0})"},
			{Key: "fe_dynamic_pressure", Label: "q = 0.5 * rho * V^2", Inputs: []string{"rho", "v"}, Expr: "0.5 * {rho} * {v} * {v}"},
			{Key: "fe_cas_approx_from_qc", Label: "CAS ~= sqrt(2*qc/rho0)", Inputs: []string{"qc", "rho0"}, Expr: "sqrt((2 * {qc}) / {rho0})"},
		},
	},
	{
		Key:   "rate_of_climb",
		Label: "Rate Of Climb (ROC)",
		Templates: []Template{
			{Key: "roc_ms_from_tdv_w", Label: "ROC(m/s) = (T-D)*V/W", Inputs: []string{"thrust", "drag", "tas", "weight"}, Expr: "({thrust} - {drag}) * {tas} / {weight}"},
			{Key: "roc_fpm_from_tdv_w", Label: "ROC(ft/min) = ((T-D)*V/W)*196.850394", Inputs: []string{"thrust", "drag", "tas", "weight"}, Expr: "(({thrust} - {drag}) * {tas} / {weight}) * 196.850394"},
			{Key: "roc_excess_thrust", Label: "Excess Thrust = T - D", Inputs: []string{"thrust", "drag"}, Expr: "{thrust} - {drag}"},
			{Key: "roc_specific_excess_power", Label: "Ps = (T-D)*V/W", Inputs: []string{"thrust", "drag", "tas", "weight"}, Expr: "({thrust} - {drag}) * {tas} / {weight}"},
			{Key: "roc_climb_gradient", Label: "Climb Gradient ~= (T-D)/W", Inputs: []string{"thrust", "drag", "weight"}, Expr: "({thrust} - {drag}) / {weight}"},
		},
	},
	{
		Key:   "thrust_drag",
		Label: "Thrust / Drag",
		Templates: []Template{
			{Key: "td_excess_thrust", Label: "Excess Thrust = T - D", Inputs: []string{"thrust", "drag"}, Expr: "{thrust} - {drag}"},
			{Key: "td_excess_power", Label: "Excess Power = (T-D)*V", Inputs: []string{"thrust", "drag", "tas"}, Expr: "({thrust} - {drag}) * {tas}"},
			{Key: "td_l_over_d", Label: "L/D", Inputs: []string{"lift", "drag"}, Expr: "{lift} / {drag}"},
			{Key: "td_t_over_d", Label: "T/D", Inputs: []string{"thrust", "drag"}, Expr: "{thrust} / {drag}"},
			{Key: "td_margin_pct", Label: "Thrust Margin % = ((T-D)/D)*100", Inputs: []string{"thrust", "drag"}, Expr: "(({thrust} - {drag}) / {drag}) * 100"},
		},
	},
	{
		Key:   "turn_rate_doghouse",
		Label: "Turn Rate / Dog-House",
		Templates: []Template{
			{Key: "tr_rad_per_s", Label: "Turn Rate(rad/s) = g*sqrt(n^2-1)/V", Inputs: []string{"n", "tas"}, Expr: "9.80665 * sqrt(({n} * {n}) - 1) / {tas}"},
			{Key: "tr_deg_per_s", Label: "Turn Rate(deg/s) = rad/s * 57.295779513", Inputs: []string{"n", "tas"}, Expr: "(9.80665 * sqrt(({n} * {n}) - 1) / {tas}) * 57.295779513"},
			{Key: "tr_turn_radius_m", Label: "Turn Radius = V^2/(g*sqrt(n^2-1))", Inputs: []string{"tas", "n"}, Expr: "({tas} * {tas}) / (9.80665 * sqrt(({n} * {n}) - 1))"},
			{Key: "tr_centripetal_accel", Label: "Centripetal a = V^2/R", Inputs: []string{"tas", "radius"}, Expr: "({tas} * {tas}) / {radius}"},
		},
	},
	{
		Key:   "v_n_diagram",
		Label: "V-n Diagram",
		Templates: []Template{
			{Key: "vn_load_factor", Label: "n = L/W", Inputs: []string{"lift", "weight"}, Expr: "{lift} / {weight}"},
			{Key: "vn_dynamic_pressure", Label: "q = 0.5 * rho * V^2", Inputs: []string{"rho", "eas"}, Expr: "0.5 * {rho} * {eas} * {eas}"},
			{Key: "vn_stall_speed", Label: "Vs = sqrt((2W)/(rho*S*CLmax))", Inputs: []string{"weight", "rho", "wing_area", "cl_max"}, Expr: "sqrt((2 * {weight}) / ({rho} * {wing_area} * {cl_max}))"},
			{Key: "vn_manoeuvre_speed", Label: "Va = sqrt((2W*nmax)/(rho*S*CLmax))", Inputs: []string{"weight", "n_max", "rho", "wing_area", "cl_max"}, Expr: "sqrt((2 * {weight} * {n_max}) / ({rho} * {wing_area} * {cl_max}))"},
			{Key: "vn_n_margin", Label: "Load Margin = n_limit - n", Inputs: []string{"n_limit", "n"}, Expr: "{n_limit} - {n}"},
		},
	},
	{
		Key:   "pitch_roll_accel",
		Label: "Pitch / Roll Acceleration",
		Templates: []Template{
			{Key: "pra_pitch_accel", Label: "q-dot = M / Iy", Inputs: []string{"pitch_moment", "iy"}, Expr: "{pitch_moment} / {iy}"},
			{Key: "pra_roll_accel", Label: "p-dot = L / Ix", Inputs: []string{"roll_moment", "ix"}, Expr: "{roll_moment} / {ix}"},
			{Key: "pra_yaw_accel", Label: "r-dot = N / Iz", Inputs: []string{"yaw_moment", "iz"}, Expr: "{yaw_moment} / {iz}"},
			{Key: "pra_pitch_rate_step", Label: "Delta q = q-dot * dt", Inputs: []string{"q_dot", "dt"}, Expr: "{q_dot} * {dt}"},
			{Key: "pra_roll_rate_step", Label: "Delta p = p-dot * dt", Inputs: []string{"p_dot", "dt"}, Expr: "{p_dot} * {dt}"},
		},
	},
	{
		Key:   "intake_distortion",
		Label: "Pressure Recovery / DC-90 / IDCL / IDCR / IDR",
		Templates: []Template{
			{Key: "int_pressure_recovery", Label: "Pressure Recovery = Pt(AIP) / Pt(free)", Inputs: []string{"pt_aip", "pt_free"}, Expr: "{pt_aip} / {pt_free}"},
			{Key: "int_dc90", Label: "DC-90 = (Pt_avg - Pt_min90) / Pt_avg", Inputs: []string{"pt_avg", "pt_min90"}, Expr: "({pt_avg} - {pt_min90}) / {pt_avg}"},
			{Key: "int_idcl", Label: "IDCL = (Pt_avg - Pt_left) / Pt_avg", Inputs: []string{"pt_avg", "pt_left"}, Expr: "({pt_avg} - {pt_left}) / {pt_avg}"},
			{Key: "int_idcr", Label: "IDCR = (Pt_avg - Pt_right) / Pt_avg", Inputs: []string{"pt_avg", "pt_right"}, Expr: "({pt_avg} - {pt_right}) / {pt_avg}"},
			{Key: "int_idr", Label: "IDR = |Pt_left - Pt_right| / Pt_avg", Inputs: []string{"pt_left", "pt_right", "pt_avg"}, Expr: "abs({pt_left} - {pt_right}) / {pt_avg}"},
			{Key: "int_mfp", Label: "MFP = mdot * sqrt(Tt) / Pt", Inputs: []string{"mdot", "tt", "pt"}, Expr: "{mdot} * sqrt({tt}) / {pt}"},
		},
	},
}

var templateIndex = buildTemplateIndex()

func buildTemplateIndex() map[string]Template {
	out := make(map[string]Template)
	for _, category := range Catalog {
		for _, tpl := range category.Templates {
			out[tpl.Key] = tpl
		}
	}
	return out
}

// GetTemplate looks up one catalog template by key.
func GetTemplate(templateKey string) (Template, error) {
	tpl, ok := templateIndex[strings.TrimSpace(templateKey)]
	if !ok {
		return Template{}, fmt.Errorf("Unknown formula template: %s", templateKey)
	}
	return tpl, nil
}

// BuildExpression binds input columns to a template's slots, producing a
// ready-to-evaluate sub-language expression.
func BuildExpression(templateKey string, inputColumns []string) (string, error) {
	tpl, err := GetTemplate(templateKey)
	if err != nil {
		return "", err
	}
	if len(inputColumns) != len(tpl.Inputs) {
		return "", fmt.Errorf("Template '%s' expects %d input columns", templateKey, len(tpl.Inputs))
	}
	expr := tpl.Expr
	for i, input := range tpl.Inputs {
		col := strings.TrimSpace(inputColumns[i])
		if col == "" {
			return "", fmt.Errorf("Input '%s' is required", input)
		}
		expr = strings.ReplaceAll(expr, "{"+input+"}", "["+col+"]")
	}
	return expr, nil
}
