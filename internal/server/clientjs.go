package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/davanti/abtrack/internal/experiment"
	"github.com/davanti/abtrack/internal/variant"
)

func (s *Server) handleClientJS(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || (s.opts.TrustProxyHeaders && r.Header.Get("X-Forwarded-Proto") == "https") {
		scheme = "https"
	}
	serverURL := fmt.Sprintf("%s://%s", scheme, r.Host)

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write([]byte(GenerateClientScript(serverURL, s.opts.HMACSecret)))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// GenerateClientScript renders /ab.js for serverURL. The script assigns the
// visitor's variant once, toggles [data-ab-show] elements, and reports
// conversions from [data-ab-track] elements. Clicks are signed with secret
// and sent to /api/track. Forms are relayed to /api/leads and the
// conversion is beaconed to /api/track/beacon only once the relay reports
// success.
func GenerateClientScript(serverURL, secret string) string {
	return fmt.Sprintf(`(function(){
  var S=%s,K=%s,KEY=%s,TRACKED=KEY+%s,ASSIGNED=%s;
  var VARIANTS=[%s,%s],FORM_SUBMIT=%s;
  window.dataLayer=window.dataLayer||[];

  function get(k){try{return localStorage.getItem(k)}catch(e){return null}}
  function set(k,v){try{localStorage.setItem(k,v)}catch(e){}}

  // Assign once per browser profile; invalid stored values are redrawn.
  var variant=get(KEY);
  if(VARIANTS.indexOf(variant)<0){
    variant=Math.random()<0.5?VARIANTS[0]:VARIANTS[1];
    set(KEY,variant);
  }
  if(!get(TRACKED)){
    set(TRACKED,'1');
    window.dataLayer.push({event:ASSIGNED,ab_variant:variant});
  }

  function hex(buf){
    return Array.prototype.map.call(new Uint8Array(buf),function(b){
      return ('0'+b.toString(16)).slice(-2);
    }).join('');
  }

  function sign(msg){
    var enc=new TextEncoder();
    return crypto.subtle.importKey('raw',enc.encode(K),{name:'HMAC',hash:'SHA-256'},false,['sign'])
      .then(function(key){return crypto.subtle.sign('HMAC',key,enc.encode(msg))})
      .then(hex);
  }

  function push(eventType,section){
    window.dataLayer.push({event:eventType,ab_variant:variant,ab_section:section||null});
  }

  function track(eventType,section){
    push(eventType,section);
    var ts=Date.now();
    var msg=[eventType,variant,section||'',ts].join(':');
    return sign(msg).then(function(sig){
      return fetch(S+'/api/track',{
        method:'POST',
        keepalive:true,
        headers:{'Content-Type':'application/json'},
        body:JSON.stringify({event_type:eventType,variant:variant,section:section||null,timestamp:ts,signature:sig})
      });
    }).catch(function(){});
  }

  function beacon(eventType,section){
    push(eventType,section);
    try{
      var body=JSON.stringify({event_type:eventType,variant:variant,section:section||null});
      if(navigator.sendBeacon){
        navigator.sendBeacon(S+'/api/track/beacon',new Blob([body],{type:'text/plain'}));
      }else{
        fetch(S+'/api/track/beacon',{method:'POST',keepalive:true,headers:{'Content-Type':'text/plain'},body:body}).catch(function(){});
      }
    }catch(e){}
  }

  // submitLead relays the lead and counts the conversion only when the
  // relay accepted it.
  function submitLead(lead,section){
    var body={name:lead.name,phone:lead.phone,section:section||null};
    if(lead.source)body.source=lead.source;
    return fetch(S+'/api/leads',{
      method:'POST',
      headers:{'Content-Type':'application/json'},
      body:JSON.stringify(body)
    }).then(function(res){
      return res.json().catch(function(){return {success:false,error:'HTTP '+res.status}});
    }).then(function(out){
      if(out&&out.success===true)beacon(FORM_SUBMIT,section);
      return out;
    });
  }

  function ready(fn){
    if(document.readyState!=='loading')fn();
    else document.addEventListener('DOMContentLoaded',fn);
  }

  function notify(el,name,detail){
    try{el.dispatchEvent(new CustomEvent(name,{detail:detail}))}catch(e){}
  }

  ready(function(){
    document.querySelectorAll('[data-ab-show]').forEach(function(el){
      el.hidden=el.getAttribute('data-ab-show')!==variant;
    });

    document.querySelectorAll('[data-ab-track]').forEach(function(el){
      var eventType=el.getAttribute('data-ab-track');
      var section=el.getAttribute('data-ab-section');
      if(el.tagName==='FORM'){
        el.addEventListener('submit',function(ev){
          ev.preventDefault();
          var f=new FormData(el);
          submitLead({name:f.get('name')||'',phone:f.get('phone')||''},section).then(function(out){
            notify(el,out&&out.success===true?'davanti:lead':'davanti:lead-error',out);
          },function(err){
            notify(el,'davanti:lead-error',{success:false,error:String(err)});
          });
        });
      }else{
        el.addEventListener('click',function(){track(eventType,section)});
      }
    });
  });

  window.davantiAB={variant:variant,track:track,beacon:beacon,submitLead:submitLead};
})();`,
		jsString(serverURL),
		jsString(secret),
		jsString(variant.StorageKey),
		jsString(variant.TrackedSuffix),
		jsString(variant.AssignedEvent),
		jsString(string(experiment.VariantWhatsApp)),
		jsString(string(experiment.VariantForm)),
		jsString(string(experiment.EventFormSubmit)),
	)
}
