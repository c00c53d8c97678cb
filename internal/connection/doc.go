// Package connection はライブセッションとユーザーIDの対応を管理するレジストリを提供する。
//
// 1人のユーザーは複数のセッションを同時に保持できる。レジストリはプロセス全体で
// 共有される状態であり、キーごとにシャーディングしたロックで並行アクセスを保護する。
// 無関係なキー同士が同じロックを奪い合うことはない。
package connection
