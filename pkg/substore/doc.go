/*
Package substore implements the multistore routing layer: an ordered list of
logical namespaces ("substores"), each with its own column families, plus
the bookkeeping of each substore's latest committed JMT version.

Routing is deliberately a linear scan (see MultistoreConfig.FindSubstore):
the number of substores is small (O(10)), so a scan is cheaper than a trie,
and — more importantly — it keeps routing a simple, auditable total
function, which matters because routing determines which JMT holds which
key.

FindSubstore, RouteKey, and Cache implement that routing and version
bookkeeping directly: FindSubstore walks the configured prefixes in order,
RouteKey applies it to a byte or string key, and Cache tracks each
substore's latest committed version in a map keyed by prefix.
*/
package substore
