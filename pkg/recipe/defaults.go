package recipe

// DefaultName is the recipe written to a fresh store on first use.
const DefaultName = "DEFAULT"

// DefaultBaseURL is the OECD quarterly national accounts dataflow the
// DEFAULT recipe's fragments belong to.
const DefaultBaseURL = "https://sdmx.oecd.org/public/rest/data/OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1/"

const defaultAreas = "KOR+CAN+USA+CHN+GBR+DEU+FRA+JPN+ITA+IND+MEX+IRL"

// Default returns the built-in quarterly national accounts recipe.
func Default() *Recipe {
	return &Recipe{
		Name: DefaultName,
		Columns: []Column{
			{Name: "real_gdp", Fragment: "Q.." + defaultAreas + ".S1..B1GQ....USD_PPP.LR.."},
			{Name: "consumption_household", Fragment: "Q.." + defaultAreas + ".S1M..P3....USD_PPP.LR.."},
			{Name: "consumption_gov", Fragment: "Q.." + defaultAreas + ".S13..P3....USD_PPP.LR.."},
			{Name: "capital", Fragment: "Q.." + defaultAreas + ".S1..P51G....USD_PPP.LR.."},
			{Name: "export", Fragment: "Q.." + defaultAreas + ".S1..P6....USD_PPP.LR.."},
			{Name: "import", Fragment: "Q.." + defaultAreas + ".S1..P7....USD_PPP.LR.."},
			{Name: "population", Fragment: "Q.N." + defaultAreas + "...POP....PS..G1.T0110"},
			{Name: "employment", Fragment: "Q.N." + defaultAreas + "...EMP......G1.T0110"},
		},
	}
}
