package client

// ルート名。サーバー側のパスではなく、クライアント側の画面遷移の識別子です。
const (
	RouteLogin     = "login"
	RouteDashboard = "dashboard"
	RouteUsers     = "users"
	RouteReports   = "reports"
	RouteNotFound  = "notfound"
)

// Route は1画面分のルート情報です。RequiresAuth と Guest はメタフラグで、
// どちらも立っていないルートは無条件に遷移できます。
type Route struct {
	Name         string
	Path         string
	RequiresAuth bool
	Guest        bool
}

// DefaultRoutes は既定のルートテーブルです。
var DefaultRoutes = []Route{
	{Name: RouteLogin, Path: "/", Guest: true},
	{Name: RouteDashboard, Path: "/dashboard", RequiresAuth: true},
	{Name: RouteUsers, Path: "/users", RequiresAuth: true},
	{Name: RouteReports, Path: "/reports", RequiresAuth: true},
	{Name: RouteNotFound, Path: "/:catchAll"},
}

// FindRoute は名前でルートを探します。見つからない場合は (Route{}, false) を返します。
func FindRoute(name string) (Route, bool) {
	for _, r := range DefaultRoutes {
		if r.Name == name {
			return r, true
		}
	}
	return Route{}, false
}

// Decision はナビゲーションガードの判定結果です。
type Decision struct {
	Proceed    bool
	RedirectTo string
}

// DecideNavigation はルートのメタフラグと認証状態から遷移可否を判定します。
// 判定は記載順で、最後に確認できたクライアント側の状態のみを参照する
// 同期的なO(1)の関数です（サーバーへの問い合わせはしません）。
func DecideNavigation(route Route, authenticated bool) Decision {
	if route.RequiresAuth && !authenticated {
		return Decision{RedirectTo: RouteLogin}
	}
	if route.Guest && authenticated {
		return Decision{RedirectTo: RouteDashboard}
	}
	return Decision{Proceed: true}
}
